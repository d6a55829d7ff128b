package bot

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cdbot/internal/cooldown"
	kit "cdbot/internal/transport"
	"cdbot/internal/transport/telegram/router"
	logx "cdbot/pkg/logx"
)

type recordingAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *recordingAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *recordingAdapter) Stop(ctx context.Context) error                         { return nil }
func (a *recordingAdapter) React(ctx context.Context, ref kit.MessageRef, emoji string) error {
	return nil
}

func (a *recordingAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (a *recordingAdapter) last(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		t.Fatal("no reply sent")
	}
	return a.sent[len(a.sent)-1]
}

type nopDispatch struct{}

func (nopDispatch) Notify(ctx context.Context, n kit.Notification) error { return nil }

type fixture struct {
	h       *Handlers
	store   *cooldown.Store
	adapter *recordingAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := cooldown.NewStore(filepath.Join(t.TempDir(), "cooldowns.json"), logx.Nop())
	catalog := cooldown.Default()
	engine := cooldown.NewEngine(cooldown.EngineConfig{
		ConfirmWait:  50 * time.Millisecond,
		BotUsernames: []string{"EpicRPG"},
	}, catalog, store, nopDispatch{}, logx.Nop())
	engine.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		engine.Stop(ctx)
	})
	return &fixture{
		h:       NewHandlers(logx.Nop(), engine, store, catalog),
		store:   store,
		adapter: &recordingAdapter{},
	}
}

func (f *fixture) request(fromID int64, args ...string) *router.Request {
	return &router.Request{
		Update: kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
			ChatID: -600, FromID: fromID,
		}},
		Chat:    kit.ChatTarget{ChatID: -600},
		FromID:  fromID,
		Args:    args,
		Adapter: f.adapter,
		Logger:  logx.Nop(),
	}
}

func TestTrackUnknownActivitySuggests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.h.handleTrack(context.Background(), f.request(1, "missin")); err != nil {
		t.Fatalf("handleTrack: %v", err)
	}
	got := f.adapter.last(t)
	if !strings.Contains(got, "Did you mean") || !strings.Contains(got, "mission") {
		t.Errorf("reply = %q, want a mission suggestion", got)
	}
}

func TestTrackAlreadyActiveShowsRemaining(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ch := int64(-600)
	if err := f.store.Start(7, "daily", 12*time.Hour, &ch); err != nil {
		t.Fatalf("store.Start: %v", err)
	}
	if err := f.h.handleTrack(context.Background(), f.request(7, "daily")); err != nil {
		t.Fatalf("handleTrack: %v", err)
	}
	got := f.adapter.last(t)
	if !strings.Contains(got, "on cooldown") {
		t.Errorf("reply = %q, want remaining time", got)
	}
	// daily is a progress-bar activity
	if !strings.Contains(got, "█") && !strings.Contains(got, "░") {
		t.Errorf("reply = %q, want a progress bar", got)
	}
}

func TestTrackStartsPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.h.track(context.Background(), f.request(3), "mission"); err != nil {
		t.Fatalf("track: %v", err)
	}
	got := f.adapter.last(t)
	if !strings.Contains(got, "Tracking") || !strings.Contains(got, "Mission") {
		t.Errorf("reply = %q", got)
	}
}

func TestDashboardListsEveryActivity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ch := int64(-600)
	_ = f.store.Start(5, "weekly", 3*24*time.Hour, &ch)
	if err := f.h.handleDashboard(context.Background(), f.request(5)); err != nil {
		t.Fatalf("handleDashboard: %v", err)
	}
	got := f.adapter.last(t)
	for _, label := range []string{"Mission", "Report", "Challenge", "Tower", "Daily", "Weekly"} {
		if !strings.Contains(got, label) {
			t.Errorf("dashboard missing %s:\n%s", label, got)
		}
	}
	if !strings.Contains(got, "Ready!") {
		t.Errorf("untracked activities should show Ready!:\n%s", got)
	}
	if !strings.Contains(got, "░") {
		t.Errorf("weekly should render a progress bar:\n%s", got)
	}
}

func TestDashboardForOtherUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ch := int64(-600)
	_ = f.store.Start(99, "tower", time.Hour, &ch)
	if err := f.h.handleDashboard(context.Background(), f.request(5, "99")); err != nil {
		t.Fatalf("handleDashboard: %v", err)
	}
	got := f.adapter.last(t)
	if !strings.Contains(got, "User 99") {
		t.Errorf("reply = %q, want other-user header", got)
	}
}

func TestClearRequiresNumericUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.h.handleClear(context.Background(), f.request(1, "bob")); err != nil {
		t.Fatalf("handleClear: %v", err)
	}
	if got := f.adapter.last(t); !strings.Contains(got, "numeric user id") {
		t.Errorf("reply = %q", got)
	}
}

func TestClearRemovesCooldowns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ch := int64(-600)
	_ = f.store.Start(42, "mission", time.Minute, &ch)
	_ = f.store.Start(42, "tower", time.Hour, &ch)

	if err := f.h.handleClear(context.Background(), f.request(1, "42")); err != nil {
		t.Fatalf("handleClear: %v", err)
	}
	if got := f.adapter.last(t); !strings.Contains(got, "Cleared") {
		t.Errorf("reply = %q", got)
	}
	if rem := f.store.Remaining(42, "tower"); rem != 0 {
		t.Errorf("tower still active after clear: %v", rem)
	}

	if err := f.h.handleClear(context.Background(), f.request(1, "42")); err != nil {
		t.Fatalf("handleClear: %v", err)
	}
	if got := f.adapter.last(t); !strings.Contains(got, "Nothing to clear") {
		t.Errorf("reply = %q", got)
	}
}

func TestCommandsCoverEveryActivity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	routes := map[string]bool{}
	for _, c := range f.h.Commands() {
		routes[c.Route] = true
	}
	for _, want := range []string{"track", "cd", "cd list", "cd clear", "ping",
		"mission", "report", "challenge", "tower", "daily", "weekly"} {
		if !routes[want] {
			t.Errorf("missing command route %q", want)
		}
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.h.handlePing(context.Background(), f.request(1)); err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	if got := f.adapter.last(t); !strings.Contains(got, "pong") {
		t.Errorf("reply = %q", got)
	}
}
