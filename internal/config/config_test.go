package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "cdbot/pkg/logx"
)

const minimalYAML = `
telegram:
  token: "123:abc"
tracker:
  game_bot:
    usernames: ["EpicRPG"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, minimalYAML), logx.Nop())
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := cfg.Tracker.StateFile, "cooldowns.json"; got != want {
		t.Errorf("state_file = %q, want %q", got, want)
	}
	if got, want := cfg.Tracker.ScanEvery, "@every 30s"; got != want {
		t.Errorf("scan_every = %q, want %q", got, want)
	}
	if got, want := cfg.Tracker.FallbackActivity, "mission"; got != want {
		t.Errorf("fallback_activity = %q, want %q", got, want)
	}
	if got, want := cfg.PollTimeoutDuration(), 10*time.Second; got != want {
		t.Errorf("poll timeout = %v, want %v", got, want)
	}
	if m.Get() != cfg {
		t.Error("Get should return the committed config")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing token",
			yaml:    "tracker:\n  game_bot:\n    usernames: [x]\n",
			wantErr: "telegram.token",
		},
		{
			name:    "missing game bot",
			yaml:    "telegram:\n  token: t\n",
			wantErr: "game_bot",
		},
		{
			name:    "unknown key",
			yaml:    minimalYAML + "bogus: 1\n",
			wantErr: "bogus",
		},
		{
			name:    "bad duration",
			yaml:    minimalYAML + "  confirm_wait: nope\n",
			wantErr: "confirm_wait",
		},
		{
			name:    "bad storage driver",
			yaml:    minimalYAML + "storage:\n  driver: redis\n",
			wantErr: "storage.driver",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, tc.yaml), logx.Nop())
			_, err := m.Load(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"10m", 10 * time.Minute, true},
		{"6h", 6 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"7d", 7 * 24 * time.Hour, true},
		{"1d12h", 36 * time.Hour, true},
		{"", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDurationField(tc.in, "f")
		if tc.ok != (err == nil) {
			t.Errorf("parse %q: err = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("parse %q = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGroupLogTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in       string
		chatID   int64
		threadID int
		ok       bool
	}{
		{"", 0, 0, false},
		{"-100123", -100123, 0, true},
		{"-100123/45", -100123, 45, true},
		{"abc", 0, 0, false},
	}
	for _, tc := range cases {
		cfg := &Config{Telegram: TelegramConfig{GroupLog: tc.in}}
		chatID, threadID, ok := cfg.GroupLogTarget()
		if ok != tc.ok || chatID != tc.chatID || threadID != tc.threadID {
			t.Errorf("GroupLogTarget(%q) = (%d,%d,%v), want (%d,%d,%v)",
				tc.in, chatID, threadID, ok, tc.chatID, tc.threadID, tc.ok)
		}
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused", logx.Nop())
	ch, cancel := m.Subscribe()
	defer cancel()

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second) // replaces first in the 1-buffer channel

	select {
	case got := <-ch:
		if got != second {
			t.Error("expected the most recent config")
		}
	default:
		t.Fatal("expected a pending update")
	}
}

func TestWatchReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, minimalYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	ch, unsub := m.Subscribe()
	defer unsub()

	updated := minimalYAML + "  fallback_activity: daily\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-ch:
		if got, want := cfg.Tracker.FallbackActivity, "daily"; got != want {
			t.Errorf("fallback_activity = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
