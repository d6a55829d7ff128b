package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"cdbot/internal/storage"
	kit "cdbot/internal/transport"
	"cdbot/pkg/chatui"
	logx "cdbot/pkg/logx"
)

// ErrUnknownActivity is returned by Track for names the catalog cannot
// resolve.
var ErrUnknownActivity = errors.New("unknown activity")

// Dispatcher delivers outbound notifications. Satisfied by
// notifier.Service.
type Dispatcher interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// EngineConfig carries the reconciliation knobs. All values are
// injected; the engine hardcodes no durations.
type EngineConfig struct {
	// ConfirmWait bounds how long a track request waits for the game
	// bot's confirmation before the canonical duration is used.
	ConfirmWait time.Duration

	// FallbackActivity is attributed to unsolicited game-bot cooldown
	// messages naming no known activity.
	FallbackActivity string

	// BotUsernames / BotUserIDs identify the watched game bot.
	BotUsernames []string
	BotUserIDs   []int64
}

type pendingEntry struct {
	ChannelID int64
	ThreadID  int
	CreatedAt time.Time
}

// Engine reconciles user track requests with the game bot's messages.
//
// State machine per (user, activity): NONE -> PENDING on a track
// request; PENDING -> ACTIVE via game-bot confirmation or, when the
// confirm window lapses, via the catalog's canonical duration; an
// unsolicited game-bot message jumps NONE -> ACTIVE directly.
type Engine struct {
	log      logx.Logger
	catalog  *Catalog
	store    *Store
	dispatch Dispatcher
	adapter  kit.Adapter   // optional, reaction acks
	audit    storage.Store // optional
	cfg      EngineConfig
	now      func() time.Time

	mu      sync.Mutex
	pending map[int64]map[string]pendingEntry

	// seen suppresses reprocessing when the transport re-delivers a
	// message (long-poll restarts replay recent updates).
	seen *lru.Cache

	lifeMu  sync.Mutex
	lifeCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

const seenCacheSize = 1024

type EngineOption func(*Engine)

// WithEngineClock overrides the engine's time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithReactions lets the engine acknowledge confirmed messages with an
// emoji reaction.
func WithReactions(a kit.Adapter) EngineOption {
	return func(e *Engine) { e.adapter = a }
}

// WithAudit records every cooldown transition to the audit trail.
func WithAudit(st storage.Store) EngineOption {
	return func(e *Engine) { e.audit = st }
}

func NewEngine(cfg EngineConfig, catalog *Catalog, store *Store, dispatch Dispatcher, log logx.Logger, opts ...EngineOption) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ConfirmWait <= 0 {
		cfg.ConfirmWait = 2 * time.Second
	}
	if cfg.FallbackActivity == "" {
		cfg.FallbackActivity = "mission"
	}
	seen, _ := lru.New(seenCacheSize)
	e := &Engine{
		log:      log,
		catalog:  catalog,
		store:    store,
		dispatch: dispatch,
		cfg:      cfg,
		now:      time.Now,
		pending:  map[int64]map[string]pendingEntry{},
		seen:     seen,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Reconfigure swaps the engine knobs during hot-reload. In-flight
// confirm waits keep the window they were armed with.
func (e *Engine) Reconfigure(cfg EngineConfig) {
	if cfg.ConfirmWait <= 0 {
		cfg.ConfirmWait = 2 * time.Second
	}
	if cfg.FallbackActivity == "" {
		cfg.FallbackActivity = "mission"
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Start binds the engine's background waits (confirm-window fallbacks)
// to ctx. Must be called before Track.
func (e *Engine) Start(ctx context.Context) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.lifeCtx != nil {
		return
	}
	e.lifeCtx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels outstanding confirm waits and blocks until they finish
// or ctx expires.
func (e *Engine) Stop(ctx context.Context) {
	e.lifeMu.Lock()
	cancel := e.cancel
	e.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// TrackRequest is a user-issued track command.
type TrackRequest struct {
	UserID    int64
	Username  string
	ChannelID int64
	ThreadID  int
	Activity  string
}

// TrackResult reports what Track did.
type TrackResult struct {
	Activity Activity

	// AlreadyActive means a cooldown is running; Remaining holds its
	// time left and no new pending entry was created.
	AlreadyActive bool
	Remaining     time.Duration
}

/// Track handles a track command: if the activity has no running
// cooldown, it registers a pending entry and waits (in the background)
// for the game bot to confirm; with no confirmation inside the window,
// the catalog's canonical duration is used.
func (e *Engine) Track(ctx context.Context, req TrackRequest) (TrackResult, error) {
	act, ok := e.catalog.Resolve(req.Activity)
	if !ok {
		return TrackResult{}, fmt.Errorf("%w: %s", ErrUnknownActivity, req.Activity)
	}

	if rem := e.store.Remaining(req.UserID, act.Name); rem > 0 {
		return TrackResult{Activity: act, AlreadyActive: true, Remaining: rem}, nil
	}

	e.lifeMu.Lock()
	lifeCtx := e.lifeCtx
	e.lifeMu.Unlock()
	if lifeCtx == nil {
		return TrackResult{}, errors.New("engine not started")
	}

	entry := pendingEntry{ChannelID: req.ChannelID, ThreadID: req.ThreadID, CreatedAt: e.now()}
	e.mu.Lock()
	acts := e.pending[req.UserID]
	if acts == nil {
		acts = map[string]pendingEntry{}
		e.pending[req.UserID] = acts
	}
	acts[act.Name] = entry
	e.mu.Unlock()

	e.auditLog(ctx, req.UserID, req.Username, req.ChannelID, req.ThreadID,
		act.Name, storage.ActionTrack, "command", 0)

	e.wg.Add(1)
	wait := e.config().ConfirmWait
	go func() {
		defer e.wg.Done()
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-lifeCtx.Done():
			return
		case <-t.C:
		}
		e.fallbackFire(lifeCtx, req.UserID, act, entry)
	}()

	return TrackResult{Activity: act}, nil
}

// fallbackFire converts a still-pending entry into a canonical-duration
// timer. A confirmation may have consumed the entry while we slept, so
// presence is re-checked under the lock before acting.
func (e *Engine) fallbackFire(ctx context.Context, userID int64, act Activity, started pendingEntry) {
	e.mu.Lock()
	cur, ok := e.pending[userID][act.Name]
	if !ok || cur.CreatedAt != started.CreatedAt {
		e.mu.Unlock()
		return
	}
	e.removePendingLocked(userID, act.Name)
	e.mu.Unlock()

	ch := started.ChannelID
	if err := e.store.Start(userID, act.Name, act.Duration, &ch); err != nil {
		e.log.Error("cooldown start failed", logx.Err(err),
			logx.Int64("user", userID), logx.String("activity", act.Name))
	}
	e.auditLog(ctx, userID, "", started.ChannelID, started.ThreadID,
		act.Name, storage.ActionFallback, "command", act.Duration)

	text := chatui.JoinH(" ",
		chatui.Raw(act.Emoji),
		chatui.Raw("Started"),
		chatui.B(act.Label),
		chatui.Esc("cooldown — ready in "+chatui.FormatRemaining(act.Duration)),
	)
	e.notify(ctx, started.ChannelID, started.ThreadID,
		fmt.Sprintf("start:%d:%s:%d", userID, act.Name, started.CreatedAt.UnixNano()),
		text.String())
}

// HandleExternal feeds one inbound chat message through reconciliation.
// Non-game-bot authors and messages without a parsable cooldown are
// ignored.
func (e *Engine) HandleExternal(ctx context.Context, msg *kit.Message) {
	if msg == nil || !e.isGameBot(msg) {
		return
	}
	key := fmt.Sprintf("%d:%d", msg.ChatID, msg.ID)
	if found, _ := e.seen.ContainsOrAdd(key, struct{}{}); found {
		return
	}
	if !hasCooldownHint(msg.Text) {
		return
	}
	d := ParseDuration(msg.Text)
	if d <= 0 {
		return
	}

	e.mu.Lock()
	var views []PendingView
	for uid, acts := range e.pending {
		for name, ent := range acts {
			if ent.ChannelID == msg.ChatID {
				views = append(views, PendingView{UserID: uid, Activity: name})
			}
		}
	}
	e.mu.Unlock()

	dec := Attribute(msg.Mentions, msg.Text, views, e.catalog)
	switch dec.Outcome {
	case Matched:
		e.confirm(ctx, msg, dec, d)
	case Ambiguous:
		e.log.Debug("cooldown message not attributable",
			logx.Int64("chat", msg.ChatID), logx.Int("pending", len(views)))
	case NoMatch:
		e.autoDetect(ctx, msg, d)
	}
}

// confirm consumes the matched pending entry and starts the timer with
// the game bot's announced duration.
func (e *Engine) confirm(ctx context.Context, msg *kit.Message, dec Decision, d time.Duration) {
	e.mu.Lock()
	entry, ok := e.pending[dec.UserID][dec.Activity]
	if ok {
		e.removePendingLocked(dec.UserID, dec.Activity)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	act, _ := e.catalog.Resolve(dec.Activity)
	ch := entry.ChannelID
	if err := e.store.Start(dec.UserID, dec.Activity, d, &ch); err != nil {
		e.log.Error("cooldown start failed", logx.Err(err),
			logx.Int64("user", dec.UserID), logx.String("activity", dec.Activity))
	}
	e.auditLog(ctx, dec.UserID, "", entry.ChannelID, entry.ThreadID,
		dec.Activity, storage.ActionConfirm, dec.Source, d)

	text := chatui.JoinH(" ",
		chatui.Raw(act.Emoji),
		chatui.Raw("Detected"),
		chatui.B(act.Label),
		chatui.Esc("cooldown — ready in "+chatui.FormatRemaining(d)),
	)
	e.notify(ctx, entry.ChannelID, entry.ThreadID,
		fmt.Sprintf("confirm:%d:%s:%d", dec.UserID, dec.Activity, msg.ID),
		text.String())
	e.react(ctx, msg, "⏰")
}

// autoDetect handles an unsolicited game-bot cooldown message. It needs
// exactly one explicit mention to know who the cooldown belongs to.
func (e *Engine) autoDetect(ctx context.Context, msg *kit.Message, d time.Duration) {
	if len(msg.Mentions) != 1 {
		return
	}
	uid := msg.Mentions[0]

	act, ok := e.catalog.DetectInText(msg.Text)
	if !ok {
		fallback := e.config().FallbackActivity
		act, ok = e.catalog.Resolve(fallback)
		if !ok {
			e.log.Warn("fallback activity missing from catalog",
				logx.String("activity", fallback))
			return
		}
	}

	ch := msg.ChatID
	if err := e.store.Start(uid, act.Name, d, &ch); err != nil {
		e.log.Error("cooldown start failed", logx.Err(err),
			logx.Int64("user", uid), logx.String("activity", act.Name))
	}
	e.auditLog(ctx, uid, "", msg.ChatID, msg.ThreadID,
		act.Name, storage.ActionAutoDetect, "mention", d)

	text := chatui.JoinH(" ",
		chatui.Raw(act.Emoji),
		chatui.Raw("Tracking"),
		chatui.B(act.Label),
		chatui.Esc("cooldown — ready in "+chatui.FormatRemaining(d)),
	)
	e.notify(ctx, msg.ChatID, msg.ThreadID,
		fmt.Sprintf("auto:%d:%s:%d", uid, act.Name, msg.ID),
		text.String())
	e.react(ctx, msg, "⏰")
}

// Clear removes a user's cooldown(s); empty activity clears all. It
// also drops any matching pending entries.
func (e *Engine) Clear(ctx context.Context, actorID, userID int64, activity string) (bool, error) {
	if activity != "" {
		act, ok := e.catalog.Resolve(activity)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownActivity, activity)
		}
		activity = act.Name
	}

	e.mu.Lock()
	if activity == "" {
		delete(e.pending, userID)
	} else {
		e.removePendingLocked(userID, activity)
	}
	e.mu.Unlock()

	removed, err := e.store.Clear(userID, activity)
	if removed {
		source := "command"
		if actorID != userID {
			source = "admin"
		}
		e.auditLog(ctx, userID, "", 0, 0, activity, storage.ActionClear, source, 0)
	}
	return removed, err
}

// PendingCount reports outstanding confirm waits, for the dashboard.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, acts := range e.pending {
		n += len(acts)
	}
	return n
}

func (e *Engine) removePendingLocked(userID int64, activity string) {
	acts := e.pending[userID]
	delete(acts, activity)
	if len(acts) == 0 {
		delete(e.pending, userID)
	}
}

func (e *Engine) isGameBot(msg *kit.Message) bool {
	if !msg.FromIsBot {
		return false
	}
	cfg := e.config()
	for _, id := range cfg.BotUserIDs {
		if id == msg.FromID {
			return true
		}
	}
	from := strings.ToLower(strings.TrimPrefix(msg.FromUsername, "@"))
	for _, u := range cfg.BotUsernames {
		if strings.ToLower(strings.TrimPrefix(u, "@")) == from {
			return true
		}
	}
	return false
}

func hasCooldownHint(text string) bool {
	low := strings.ToLower(text)
	return strings.Contains(low, "cooldown") || strings.Contains(low, "wait")
}

func (e *Engine) notify(ctx context.Context, chatID int64, threadID int, key, text string) {
	if e.dispatch == nil {
		return
	}
	err := e.dispatch.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: 3,
		Target:   kit.ChatTarget{ChatID: chatID, ThreadID: threadID},
		Key:      key,
		Text:     text,
		Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	})
	if err != nil {
		e.log.Debug("engine notify failed", logx.Err(err))
	}
}

func (e *Engine) react(ctx context.Context, msg *kit.Message, emoji string) {
	if e.adapter == nil {
		return
	}
	ref := kit.MessageRef{ChatID: msg.ChatID, ThreadID: msg.ThreadID, MessageID: msg.ID}
	if err := e.adapter.React(ctx, ref, emoji); err != nil {
		e.log.Debug("reaction failed", logx.Err(err))
	}
}

func (e *Engine) auditLog(ctx context.Context, userID int64, username string, chatID int64, threadID int, activity, action, source string, d time.Duration) {
	if e.audit == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	err := e.audit.AppendAudit(cctx, storage.AuditEntry{
		At:          e.now(),
		UserID:      userID,
		Username:    username,
		ChatID:      chatID,
		ThreadID:    threadID,
		Activity:    activity,
		Action:      action,
		Source:      source,
		RemainingMS: d.Milliseconds(),
	})
	if err != nil {
		e.log.Debug("audit append failed", logx.Err(err))
	}
}
