package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "cdbot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "audit")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = (%v, %v), want (nil, nil)", st, err)
	}
}

func TestAppendAuditWritesJSONL(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)

	ctx := context.Background()
	entries := []AuditEntry{
		{UserID: 1, Activity: "mission", Action: ActionTrack, Source: "command"},
		{UserID: 1, Activity: "mission", Action: ActionConfirm, Source: "mention"},
		{UserID: 2, Activity: "daily", Action: ActionNotify, Source: "scanner"},
	}
	for _, e := range entries {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "audit.audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != len(entries) {
		t.Fatalf("got %d audit lines, want %d", len(lines), len(entries))
	}
	if !strings.Contains(lines[2], ActionNotify) {
		t.Errorf("line %q should contain action %q", lines[2], ActionNotify)
	}
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	st := openTestStore(t, dir)
	if err := st.PutDedup(ctx, "notify:1:mission", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "notify:1:mission")
	if err != nil || !ok {
		t.Fatalf("GetDedup = (%v, %v, %v)", got, ok, err)
	}
	if !got.Equal(until) {
		t.Errorf("until = %v, want %v", got, until)
	}
	if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
		t.Error("missing key should not be found")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Journal replay restores state across reopen.
	st2 := openTestStore(t, dir)
	defer st2.Close()
	got, ok, err = st2.GetDedup(ctx, "notify:1:mission")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("after reopen: GetDedup = (%v, %v, %v)", got, ok, err)
	}
}

func TestDedupExpiredPrunedOnOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if err := st.PutDedup(ctx, "stale", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2 := openTestStore(t, dir)
	defer st2.Close()
	if _, ok, _ := st2.GetDedup(ctx, "stale"); ok {
		t.Error("expired key should be pruned on open")
	}
}
