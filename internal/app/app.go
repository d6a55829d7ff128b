// Package app wires the bot together: config, logging, transport,
// notifier, cooldown engine, scanner, keepalive, and command routing.
package app

import (
	"context"
	"fmt"
	"time"

	"cdbot/internal/bot"
	"cdbot/internal/config"
	"cdbot/internal/cooldown"
	"cdbot/internal/eventbus"
	"cdbot/internal/notifier"
	"cdbot/internal/observability/keepalive"
	rtsup "cdbot/internal/runtime/supervisor"
	"cdbot/internal/storage"
	kit "cdbot/internal/transport"
	"cdbot/internal/transport/telegram/adapter"
	"cdbot/internal/transport/telegram/router"
	logx "cdbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	audit   storage.Store
	adapter *adapter.Adapter
	notif   *notifier.Service

	catalog *cooldown.Catalog
	cdstore *cooldown.Store
	engine  *cooldown.Engine
	scanner *cooldown.Scanner

	keep     *keepalive.Service
	cmdm     *router.CommandManager
	handlers *bot.Handlers

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("info")

	cfgm := config.NewManager(cfgPath, bootLog.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	ad, err := adapter.New(adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeoutDuration(),
	}, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Bootstrap with the chat sink off: the target chat is set after
	// construction, then the final config is applied.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Chat.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	if chatID, threadID, ok := cfg.GroupLogTarget(); ok {
		logSvc.SetChatTarget(kit.ChatTarget{ChatID: chatID, ThreadID: threadID})
	}
	logSvc.Apply(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	audit, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if audit != nil {
		log.Info("audit storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	notif := notifier.New(mapNotifierConfig(cfg, audit != nil), ad,
		logSvc.Logger().With(logx.String("comp", "notifier")), bus, audit)

	catalog, err := buildCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("activity catalog: %w", err)
	}

	cdstore := cooldown.NewStore(cfg.Tracker.StateFile,
		logSvc.Logger().With(logx.String("comp", "cooldown.store")))

	engOpts := []cooldown.EngineOption{cooldown.WithReactions(ad)}
	if audit != nil {
		engOpts = append(engOpts, cooldown.WithAudit(audit))
	}
	engine := cooldown.NewEngine(mapEngineConfig(cfg), catalog, cdstore, notif,
		logSvc.Logger().With(logx.String("comp", "cooldown.engine")), engOpts...)

	scanner := cooldown.NewScanner(mapScannerConfig(cfg), cdstore, catalog, notif,
		logSvc.Logger().With(logx.String("comp", "cooldown.scanner")), audit)

	keep := keepalive.New(keepalive.Config{
		Enabled: cfg.Keepalive.Enabled,
		Addr:    cfg.Keepalive.Addr,
	}, logSvc.Logger().With(logx.String("comp", "keepalive")))

	cmdm := router.NewCommandManager(
		logSvc.Logger().With(logx.String("comp", "commands")),
		ad, cfgm, cfg.Telegram.OwnerUserIDs)

	handlers := bot.NewHandlers(
		logSvc.Logger().With(logx.String("comp", "bot")),
		engine, cdstore, catalog)
	cmdm.AddObserver(handlers.Observer())

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		audit:    audit,
		adapter:  ad,
		notif:    notif,
		catalog:  catalog,
		cdstore:  cdstore,
		engine:   engine,
		scanner:  scanner,
		keep:     keep,
		cmdm:     cmdm,
		handlers: handlers,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is cancelled (fatal
// error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Transactional hot-reload: a candidate config that cannot build a
	// catalog is rejected before commit.
	a.cfgm.Validate = func(c context.Context, cfg *config.Config) error {
		if _, err := buildCatalog(cfg); err != nil {
			return fmt.Errorf("tracker.activities: %w", err)
		}
		return nil
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.engine.Start(runCtx)
	if err := a.scanner.Start(runCtx); err != nil {
		return err
	}
	if a.keep.Enabled() {
		a.keep.Start(runCtx)
	}

	a.cmdm.SetRegistry(runCtx, a.handlers.Commands())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub, cancelSub := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer cancelSub()
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload fans a committed config out to the running components.
// Telegram token, state file path, and storage driver need a restart;
// everything else applies live.
func (a *App) applyReload(ctx context.Context, prev, cfg *config.Config) {
	if chatID, threadID, ok := cfg.GroupLogTarget(); ok {
		a.logs.SetChatTarget(kit.ChatTarget{ChatID: chatID, ThreadID: threadID})
	} else {
		a.logs.SetChatTarget(kit.ChatTarget{})
	}
	a.logs.Apply(mapLogConfig(cfg))

	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)

	a.notif.Apply(mapNotifierConfig(cfg, a.audit != nil))

	if err := a.rebuildCatalog(cfg); err != nil {
		a.log.Warn("activity catalog rejected; keeping previous", logx.Err(err))
	}
	a.engine.Reconfigure(mapEngineConfig(cfg))
	if err := a.scanner.Reschedule(mapScannerConfig(cfg)); err != nil {
		a.log.Warn("scan schedule rejected; keeping previous", logx.Err(err))
	}

	a.keep.Reconfigure(ctx, keepalive.Config{
		Enabled: cfg.Keepalive.Enabled,
		Addr:    cfg.Keepalive.Addr,
	})

	if prev != nil {
		if prev.Tracker.StateFile != cfg.Tracker.StateFile {
			a.log.Warn("tracker.state_file changed; restart required")
		}
		if prev.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required")
		}
		if prev.Telegram.Token != cfg.Telegram.Token {
			a.log.Warn("telegram.token changed; restart required")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) rebuildCatalog(cfg *config.Config) error {
	acts, err := catalogActivities(cfg)
	if err != nil {
		return err
	}
	if err := a.catalog.Replace(acts); err != nil {
		return err
	}
	// Activity routes and menu entries may have changed with the set.
	a.cmdm.SetRegistry(a.sup.Context(), a.handlers.Commands())
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("panic in stop step",
						logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name))
		}
	}

	// Scanner first so the final flush happens while the adapter can
	// still deliver queued alerts.
	step("scanner", 3*time.Second, func(c context.Context) { a.scanner.Stop(c) })
	step("engine", 2*time.Second, func(c context.Context) { a.engine.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) { a.notif.Stop(c) })
	step("keepalive", 1*time.Second, func(c context.Context) { a.keep.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) { _ = a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) {
		if a.audit != nil {
			_ = a.audit.Close()
		}
	})
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
