package cooldown

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	kit "cdbot/internal/transport"
	logx "cdbot/pkg/logx"
)

type fakeDispatch struct {
	mu   sync.Mutex
	sent []kit.Notification
}

func (f *fakeDispatch) Notify(ctx context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeDispatch) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

const testConfirmWait = 150 * time.Millisecond

func newTestEngine(t *testing.T) (*Engine, *Store, *fakeDispatch) {
	t.Helper()
	clk := newTestClock()
	store := NewStore(filepath.Join(t.TempDir(), "state.json"), logx.Nop(), WithClock(clk.Now))
	disp := &fakeDispatch{}
	e := NewEngine(EngineConfig{
		ConfirmWait:      testConfirmWait,
		FallbackActivity: "mission",
		BotUsernames:     []string{"EpicRPG"},
	}, Default(), store, disp, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		e.Stop(sctx)
	})
	return e, store, disp
}

func botMessage(id int, chatID int64, text string, mentions ...int64) *kit.Message {
	return &kit.Message{
		ID:           id,
		ChatID:       chatID,
		FromID:       555,
		FromUsername: "EpicRPG",
		FromIsBot:    true,
		Text:         text,
		Mentions:     mentions,
		IsGroup:      true,
	}
}

func waitRemaining(t *testing.T, s *Store, uid int64, act string) time.Duration {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rem := s.Remaining(uid, act); rem > 0 {
			return rem
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no cooldown appeared for (%d, %s)", uid, act)
	return 0
}

func TestTrackFallsBackToCanonicalDuration(t *testing.T) {
	t.Parallel()
	e, store, disp := newTestEngine(t)

	res, err := e.Track(context.Background(), TrackRequest{
		UserID: 1, ChannelID: -100, Activity: "daily",
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if res.AlreadyActive {
		t.Fatal("fresh track should not report an active cooldown")
	}
	if e.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", e.PendingCount())
	}

	if got := waitRemaining(t, store, 1, "daily"); got != 24*time.Hour {
		t.Errorf("fallback duration = %v, want 24h", got)
	}
	if e.PendingCount() != 0 {
		t.Error("pending entry should be consumed by the fallback")
	}
	if disp.count() == 0 {
		t.Error("fallback should announce the started cooldown")
	}
}

func TestTrackConfirmedByGameBot(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Track(ctx, TrackRequest{UserID: 7, ChannelID: -100, Activity: "tower"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	// Parsed duration differs from the canonical 6h so a stray
	// fallback would be visible.
	e.HandleExternal(ctx, botMessage(10, -100, "you are on cooldown: wait 3h 0m 0s", 7))

	if got := store.Remaining(7, "tower"); got != 3*time.Hour {
		t.Fatalf("confirmed duration = %v, want 3h", got)
	}
	if e.PendingCount() != 0 {
		t.Fatal("confirmation should consume the pending entry")
	}

	// The lapsed confirm window must not start a second timer.
	time.Sleep(3 * testConfirmWait)
	if got := store.Remaining(7, "tower"); got != 3*time.Hour {
		t.Errorf("after window: remaining = %v, want 3h (no fallback overwrite)", got)
	}
}

func TestTrackAlreadyActive(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	if err := store.Start(1, "mission", time.Minute, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := e.Track(context.Background(), TrackRequest{UserID: 1, Activity: "m", ChannelID: -1})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !res.AlreadyActive || res.Remaining != time.Minute {
		t.Errorf("result = %+v, want AlreadyActive with 1m remaining", res)
	}
	if e.PendingCount() != 0 {
		t.Error("no pending entry should be created for an active cooldown")
	}
}

func TestTrackUnknownActivity(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	if _, err := e.Track(context.Background(), TrackRequest{UserID: 1, Activity: "raid"}); err == nil {
		t.Fatal("expected ErrUnknownActivity")
	}
}

func TestUnsolicitedAutoDetect(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)

	e.HandleExternal(context.Background(),
		botMessage(11, -200, "your mission cooldown: wait 1m 0s", 42))

	if got := store.Remaining(42, "mission"); got != time.Minute {
		t.Errorf("auto-detected remaining = %v, want 1m", got)
	}
}

func TestUnsolicitedFallbackActivity(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)

	// No activity named in the text: the configured fallback is used.
	e.HandleExternal(context.Background(),
		botMessage(12, -200, "you are on cooldown, wait 5m", 42))

	if got := store.Remaining(42, "mission"); got != 5*time.Minute {
		t.Errorf("fallback-activity remaining = %v, want 5m", got)
	}
}

func TestIgnoresNonGameBot(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)

	msg := botMessage(13, -200, "cooldown: wait 5m", 42)
	msg.FromIsBot = false
	e.HandleExternal(context.Background(), msg)
	msg2 := botMessage(14, -200, "cooldown: wait 5m", 42)
	msg2.FromUsername = "SomeOtherBot"
	e.HandleExternal(context.Background(), msg2)

	if len(store.AllRecords()) != 0 {
		t.Error("messages from other authors must not create records")
	}
}

func TestDuplicateMessageIgnored(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	msg := botMessage(20, -300, "your mission cooldown: wait 10m", 42)
	e.HandleExternal(ctx, msg)
	if got := store.Remaining(42, "mission"); got != 10*time.Minute {
		t.Fatalf("remaining = %v", got)
	}

	// Re-delivery of the same message id must not restart the timer.
	dup := botMessage(20, -300, "your mission cooldown: wait 59m", 42)
	e.HandleExternal(ctx, dup)
	if got := store.Remaining(42, "mission"); got != 10*time.Minute {
		t.Errorf("after duplicate: remaining = %v, want 10m", got)
	}
}

func TestAmbiguousMessageChangesNothing(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Track(ctx, TrackRequest{UserID: 1, ChannelID: -400, Activity: "mission"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := e.Track(ctx, TrackRequest{UserID: 2, ChannelID: -400, Activity: "mission"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	// Two pendings, no mention: not attributable.
	e.HandleExternal(ctx, botMessage(30, -400, "cooldown: wait 5m"))

	if store.Remaining(1, "mission") != 0 || store.Remaining(2, "mission") != 0 {
		t.Error("ambiguous message must not start timers")
	}
	if e.PendingCount() != 2 {
		t.Errorf("pending count = %d, want 2 (untouched)", e.PendingCount())
	}
}

func TestClearDropsPending(t *testing.T) {
	t.Parallel()
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	if err := store.Start(1, "daily", 24*time.Hour, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	removed, err := e.Clear(ctx, 1, 1, "daily")
	if err != nil || !removed {
		t.Fatalf("Clear = (%v, %v)", removed, err)
	}
	if store.Remaining(1, "daily") != 0 {
		t.Error("cleared cooldown should be gone")
	}
}
