package cooldown

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	kit "cdbot/internal/transport"
	logx "cdbot/pkg/logx"
)

type flakyDispatch struct {
	mu      sync.Mutex
	sent    []kit.Notification
	failFor map[int64]bool // fail sends targeting these chat ids
}

func (f *flakyDispatch) Notify(ctx context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[n.Target.ChatID] {
		return errors.New("delivery refused")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *flakyDispatch) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.Text)
	}
	return out
}

func newTestScanner(t *testing.T, disp Dispatcher) (*Scanner, *Store, *testClock) {
	t.Helper()
	clk := newTestClock()
	store := NewStore(filepath.Join(t.TempDir(), "state.json"), logx.Nop(), WithClock(clk.Now))
	sc := NewScanner(ScannerConfig{Schedule: "@every 30s", Retention: time.Hour},
		store, Default(), disp, logx.Nop(), nil)
	return sc, store, clk
}

func TestScanNotifiesOnceAcrossCycles(t *testing.T) {
	t.Parallel()
	disp := &flakyDispatch{}
	sc, store, clk := newTestScanner(t, disp)
	ctx := context.Background()

	if err := store.Start(1, "mission", time.Minute, chanID(-50)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if n, _ := sc.RunCycle(ctx); n != 0 {
		t.Fatalf("premature notify: %d", n)
	}

	clk.Advance(2 * time.Minute)
	if n, _ := sc.RunCycle(ctx); n != 1 {
		t.Fatalf("notified = %d, want 1", n)
	}
	// Never twice for the same expiry.
	if n, _ := sc.RunCycle(ctx); n != 0 {
		t.Errorf("second cycle notified = %d, want 0", n)
	}
	if len(disp.texts()) != 1 {
		t.Fatalf("dispatched %d alerts, want 1", len(disp.texts()))
	}
	if txt := disp.texts()[0]; !strings.Contains(txt, "Mission") {
		t.Errorf("alert %q should name the activity", txt)
	}
}

func TestScanDeliveryFailureIsIsolated(t *testing.T) {
	t.Parallel()
	disp := &flakyDispatch{failFor: map[int64]bool{-1: true}}
	sc, store, clk := newTestScanner(t, disp)
	ctx := context.Background()

	if err := store.Start(1, "mission", time.Minute, chanID(-1)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := store.Start(2, "report", time.Minute, chanID(-2)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clk.Advance(2 * time.Minute)
	notified, _ := sc.RunCycle(ctx)
	if notified != 2 {
		t.Fatalf("notified = %d, want 2 (failure does not abort the cycle)", notified)
	}
	if got := len(disp.texts()); got != 1 {
		t.Fatalf("delivered = %d, want 1 (only the healthy channel)", got)
	}
	// At-most-once: the failed record is not retried next cycle.
	if n, _ := sc.RunCycle(ctx); n != 0 {
		t.Errorf("retry after failure: notified = %d, want 0", n)
	}
}

func TestScanSkipsChannellessRecords(t *testing.T) {
	t.Parallel()
	disp := &flakyDispatch{}
	sc, store, clk := newTestScanner(t, disp)

	if err := store.Start(1, "mission", time.Minute, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clk.Advance(2 * time.Minute)
	notified, _ := sc.RunCycle(context.Background())
	if notified != 1 {
		t.Fatalf("notified = %d, want 1 (flag still flips)", notified)
	}
	if len(disp.texts()) != 0 {
		t.Error("no channel means no ping")
	}
}

func TestScanPrunesStaleRecords(t *testing.T) {
	t.Parallel()
	disp := &flakyDispatch{}
	sc, store, clk := newTestScanner(t, disp)
	ctx := context.Background()

	if err := store.Start(1, "mission", time.Minute, chanID(-5)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clk.Advance(2 * time.Minute)
	sc.RunCycle(ctx)

	clk.Advance(2 * time.Hour)
	_, pruned := sc.RunCycle(ctx)
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	if len(store.AllRecords()) != 0 {
		t.Error("stale record should be gone")
	}
}

func TestScannerStartStop(t *testing.T) {
	t.Parallel()
	disp := &flakyDispatch{}
	sc, _, _ := newTestScanner(t, disp)
	ctx := context.Background()
	if err := sc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	sc.Stop(stopCtx)
}

func TestScannerRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	disp := &flakyDispatch{}
	clk := newTestClock()
	store := NewStore(filepath.Join(t.TempDir(), "state.json"), logx.Nop(), WithClock(clk.Now))
	sc := NewScanner(ScannerConfig{Schedule: "whenever"}, store, Default(), disp, logx.Nop(), nil)
	if err := sc.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
