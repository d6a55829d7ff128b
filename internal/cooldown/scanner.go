package cooldown

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cdbot/internal/storage"
	kit "cdbot/internal/transport"
	"cdbot/pkg/chatui"
	logx "cdbot/pkg/logx"
)

// ScannerConfig drives the expiry scan loop.
type ScannerConfig struct {
	// Schedule accepts a cron descriptor ("@every 30s") or a plain
	// duration ("30s").
	Schedule string

	// Retention is how long expired records linger before pruning.
	Retention time.Duration
}

// Scanner periodically walks the store, fires one ready alert per
// newly expired record, prunes stale records, and flushes the store
// once per cycle.
type Scanner struct {
	log      logx.Logger
	store    *Store
	catalog  *Catalog
	dispatch Dispatcher
	audit    storage.Store // optional
	cfg      ScannerConfig

	mu     sync.Mutex // guards cfg, cron, runCtx
	cron   *cron.Cron
	runCtx context.Context

	runMu sync.Mutex
}

func NewScanner(cfg ScannerConfig, store *Store, catalog *Catalog, dispatch Dispatcher, log logx.Logger, audit storage.Store) *Scanner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Scanner{
		log:      log,
		store:    store,
		catalog:  catalog,
		dispatch: dispatch,
		audit:    audit,
		cfg:      cfg,
	}
}

// Start registers the cron entry and begins scanning.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c, spec, err := s.newCron(ctx, s.cfg.Schedule)
	if err != nil {
		return err
	}
	s.cron = c
	s.runCtx = ctx
	c.Start()
	s.log.Info("expiry scanner started", logx.String("schedule", spec))
	return nil
}

func (s *Scanner) newCron(ctx context.Context, schedule string) (*cron.Cron, string, error) {
	spec := strings.TrimSpace(schedule)
	if _, err := time.ParseDuration(spec); err == nil {
		spec = "@every " + spec
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.RunCycle(ctx) }); err != nil {
		return nil, "", fmt.Errorf("scan schedule %q: %w", schedule, err)
	}
	return c, spec, nil
}

// Reschedule applies a new schedule and retention during hot-reload.
// A bad schedule keeps the previous one.
func (s *Scanner) Reschedule(cfg ScannerConfig) error {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	if s.cron == nil || cfg.Schedule == s.cfg.Schedule {
		s.cfg = cfg
		return nil
	}

	c, spec, err := s.newCron(s.runCtx, cfg.Schedule)
	if err != nil {
		return err
	}
	<-s.cron.Stop().Done()
	s.cfg = cfg
	s.cron = c
	c.Start()
	s.log.Info("expiry scanner rescheduled", logx.String("schedule", spec))
	return nil
}

// Stop halts scheduling, waits for an in-flight cycle, and flushes any
// unpersisted scanner mutations.
func (s *Scanner) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if err := s.store.Flush(); err != nil {
		s.log.Warn("final state flush failed", logx.Err(err))
	}
}

// RunCycle performs one scan: notify newly expired records, prune
// stale ones, persist once. A failed delivery never blocks the rest of
// the cycle; the notified flag is not rolled back (at-most-once).
func (s *Scanner) RunCycle(ctx context.Context) (notified, pruned int) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	expired := s.store.CollectExpired()
	for _, ex := range expired {
		notified++
		if ex.ChannelID == nil {
			// No destination recorded; the flag still flips so the
			// record is never re-considered.
			continue
		}
		if err := s.dispatchReady(ctx, ex); err != nil {
			s.log.Warn("ready alert failed",
				logx.Err(err),
				logx.Int64("user", ex.UserID),
				logx.String("activity", ex.Activity))
		}
		s.auditNotify(ctx, ex)
	}

	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()
	pruned = s.store.Prune(retention)
	if err := s.store.Flush(); err != nil {
		s.log.Warn("state flush failed", logx.Err(err))
	}

	if notified > 0 || pruned > 0 {
		s.log.Debug("scan cycle",
			logx.Int("notified", notified), logx.Int("pruned", pruned))
	}
	return notified, pruned
}

func (s *Scanner) dispatchReady(ctx context.Context, ex Expiry) error {
	act, ok := s.catalog.Resolve(ex.Activity)
	if !ok {
		act = Activity{Name: ex.Activity, Label: ex.Activity, Emoji: "⏰"}
	}
	text := chatui.JoinH(" ",
		chatui.Raw("⏰"),
		chatui.Mention("Hey", ex.UserID),
		chatui.Esc("your"),
		chatui.B(act.Label),
		chatui.Esc("cooldown is over. Ready to go!"),
	)
	return s.dispatch.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: 5,
		Target:   kit.ChatTarget{ChatID: *ex.ChannelID},
		Key:      fmt.Sprintf("ready:%d:%s:%d", ex.UserID, ex.Activity, ex.ExpiresAt.Unix()),
		Text:     text.String(),
		Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	})
}

func (s *Scanner) auditNotify(ctx context.Context, ex Expiry) {
	if s.audit == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	var chatID int64
	if ex.ChannelID != nil {
		chatID = *ex.ChannelID
	}
	err := s.audit.AppendAudit(cctx, storage.AuditEntry{
		UserID:   ex.UserID,
		ChatID:   chatID,
		Activity: ex.Activity,
		Action:   storage.ActionNotify,
		Source:   "scanner",
	})
	if err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}
