package cooldown

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "cdbot/pkg/logx"
)

// testClock is a manually advanced time source.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *testClock, string) {
	t.Helper()
	clk := newTestClock()
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	return NewStore(path, logx.Nop(), WithClock(clk.Now)), clk, path
}

func chanID(v int64) *int64 { return &v }

func TestStartAndRemaining(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestStore(t)

	if err := s.Start(1, "daily", 24*time.Hour, chanID(99)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Remaining(1, "daily"); got != 24*time.Hour {
		t.Errorf("Remaining = %v, want 24h", got)
	}
	clk.Advance(25 * time.Hour)
	if got := s.Remaining(1, "daily"); got != 0 {
		t.Errorf("Remaining after expiry = %v, want 0", got)
	}
	if got := s.Remaining(2, "daily"); got != 0 {
		t.Errorf("Remaining for absent user = %v, want 0", got)
	}
}

func TestStartOverwrites(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t)

	if err := s.Start(1, "mission", time.Minute, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(1, "mission", time.Hour, chanID(5)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Remaining(1, "mission"); got != time.Hour {
		t.Errorf("Remaining = %v, want 1h (last writer wins)", got)
	}
}

func TestClearSemantics(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t)
	mustStart := func(uid int64, act string) {
		t.Helper()
		if err := s.Start(uid, act, time.Hour, nil); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	mustStart(1, "daily")
	mustStart(1, "mission")
	mustStart(2, "daily")

	removed, err := s.Clear(1, "daily")
	if err != nil || !removed {
		t.Fatalf("Clear = (%v, %v)", removed, err)
	}
	if s.Remaining(1, "mission") == 0 {
		t.Error("other activity should survive a single clear")
	}

	// Removing the last record drops the user entry entirely.
	if _, err := s.Clear(1, "mission"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if recs := s.UserRecords(1); recs != nil {
		t.Errorf("user 1 records = %v, want none", recs)
	}

	if removed, _ := s.Clear(3, ""); removed {
		t.Error("clearing an absent user should report nothing removed")
	}

	// Clear-all for user 2.
	if removed, _ := s.Clear(2, ""); !removed {
		t.Error("clear-all should remove user 2")
	}
	if len(s.AllRecords()) != 0 {
		t.Error("store should be empty")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s, clk, path := newTestStore(t)

	if err := s.Start(7, "tower", 6*time.Hour, chanID(-100)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(7, "weekly", 7*24*time.Hour, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s2 := NewStore(path, logx.Nop(), WithClock(clk.Now))
	recs := s2.UserRecords(7)
	if len(recs) != 2 {
		t.Fatalf("reloaded %d records, want 2", len(recs))
	}
	tower := recs["tower"]
	if tower.ChannelID == nil || *tower.ChannelID != -100 {
		t.Errorf("tower channel = %v, want -100", tower.ChannelID)
	}
	if tower.Notified {
		t.Error("notified should round-trip as false")
	}
	if recs["weekly"].ChannelID != nil {
		t.Error("weekly channel should stay nil")
	}
	if got := s2.Remaining(7, "tower"); got != 6*time.Hour {
		t.Errorf("reloaded remaining = %v, want 6h", got)
	}
}

func TestLoadLegacyBareNumber(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	legacy := `{"42": {"mission": 1700000000.0, "daily": {"expires_at": 1700000500, "channel_id": 9, "notified": true}}}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy state: %v", err)
	}

	clk := newTestClock()
	s := NewStore(path, logx.Nop(), WithClock(clk.Now))
	recs := s.UserRecords(42)
	m, ok := recs["mission"]
	if !ok {
		t.Fatal("legacy mission record missing")
	}
	if m.ExpiresAt != 1700000000.0 || m.ChannelID != nil || m.Notified {
		t.Errorf("legacy upgrade = %+v, want expires_at=1700000000 channel=nil notified=false", m)
	}
	d := recs["daily"]
	if d.ChannelID == nil || *d.ChannelID != 9 || !d.Notified {
		t.Errorf("structured record mangled: %+v", d)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewStore(path, logx.Nop())
	if len(s.AllRecords()) != 0 {
		t.Error("corrupt file should load as empty store")
	}
	// And the store must still be writable.
	if err := s.Start(1, "mission", time.Minute, nil); err != nil {
		t.Fatalf("Start after corrupt load: %v", err)
	}
}

func TestCollectExpiredIdempotent(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestStore(t)
	if err := s.Start(1, "mission", time.Minute, chanID(4)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.CollectExpired(); len(got) != 0 {
		t.Fatalf("nothing should be expired yet, got %v", got)
	}

	clk.Advance(2 * time.Minute)
	first := s.CollectExpired()
	if len(first) != 1 || first[0].Activity != "mission" || first[0].UserID != 1 {
		t.Fatalf("CollectExpired = %+v, want one mission expiry", first)
	}
	// Exactly once, even across repeated scans.
	if again := s.CollectExpired(); len(again) != 0 {
		t.Errorf("second collect = %+v, want none", again)
	}
}

func TestPruneRetention(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestStore(t)
	if err := s.Start(1, "mission", time.Minute, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(1, "daily", 24*time.Hour, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clk.Advance(30 * time.Minute)
	if got := s.Prune(time.Hour); got != 0 {
		t.Errorf("pruned %d within retention, want 0", got)
	}

	clk.Advance(31 * time.Minute) // mission expired 1h1m ago
	if got := s.Prune(time.Hour); got != 1 {
		t.Errorf("pruned %d, want 1", got)
	}
	if s.Remaining(1, "daily") == 0 {
		t.Error("daily should survive the prune")
	}
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	t.Parallel()
	s, clk, path := newTestStore(t)
	if err := s.Start(1, "mission", time.Minute, chanID(2)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}

	clk.Advance(2 * time.Minute)
	if got := s.CollectExpired(); len(got) != 1 {
		t.Fatalf("CollectExpired = %v", got)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if string(before) == string(after) {
		t.Error("flush should have persisted the notified flag")
	}

	var onDisk map[string]map[string]json.RawMessage
	if err := json.Unmarshal(after, &onDisk); err != nil {
		t.Fatalf("state file not valid JSON: %v", err)
	}
	if _, ok := onDisk["1"]; !ok {
		t.Error("state file should key users by decimal string")
	}
}
