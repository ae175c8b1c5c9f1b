// Package app wires configuration, storage, the chat adapter, the command
// router and the question timers into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"qotdbot/internal/commands"
	"qotdbot/internal/config"
	"qotdbot/internal/dispatch"
	"qotdbot/internal/eventbus"
	"qotdbot/internal/observability/debughttp"
	"qotdbot/internal/runtime/supervisor"
	"qotdbot/internal/schedule"
	"qotdbot/internal/storage"
	"qotdbot/internal/subscription"
	kit "qotdbot/internal/transport"
	telegram "qotdbot/internal/transport/telegram/adapter"
	"qotdbot/internal/transport/telegram/router"
	logx "qotdbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	disp    *dispatch.Dispatcher
	timers  *schedule.Registry
	subs    *subscription.Service
	router  *router.Router
	debug   *debughttp.Server // nil unless debug.enabled

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, fmt.Errorf("telegram.token is empty; set it in the config or %s", config.EnvTelegramToken)
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Start with the Telegram sink off so Apply doesn't warn about a
	// missing target, then enable it once the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if chatID, ok := logTarget(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	disp := dispatch.New(store, ad, log.With(logx.String("comp", "dispatch")), dispatch.WithBus(bus))
	timers := schedule.New(schedCfg, disp, log.With(logx.String("comp", "schedule")))
	subs := subscription.New(store, timers, bus, log.With(logx.String("comp", "subscription")))

	var seed []storage.SeedDeck
	if cfg.Decks.SeedStarterDecks {
		if seed, err = storage.StarterDecks(); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	h := commands.New(commands.Deps{
		Store:  store,
		Subs:   subs,
		Timers: timers,
		Admins: ad,
		Seed:   seed,
		Log:    log.With(logx.String("comp", "commands")),
	})
	rt := router.New(log.With(logx.String("comp", "router")), ad,
		router.WithOwners(cfg.Telegram.OwnerUserIDs),
		router.WithAuthorizer(h.Authorizer()),
	)
	rt.SetRegistry(h.Commands())

	var dbg *debughttp.Server
	if cfg.Debug.Enabled {
		dbg = debughttp.New(debughttp.Config{Addr: cfg.Debug.Addr, Token: cfg.Debug.Token}, timers,
			log.With(logx.String("comp", "debughttp")))
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		disp:    disp,
		timers:  timers,
		subs:    subs,
		router:  rt,
		debug:   dbg,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapScheduleConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	// Timers are restored before polling starts so a command can't race
	// the initial load.
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	active, err := a.store.ActiveSubscriptions(loadCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if _, err := a.timers.Initialize(active); err != nil {
		a.log.Warn("some subscriptions were not scheduled", logx.Err(err))
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.timers.Start()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) {
		if err := a.router.SyncMenu(c); err != nil {
			a.log.Warn("command menu sync failed", logx.Err(err))
		}
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
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	if a.debug != nil {
		// Optional endpoint; failures restart it instead of stopping the bot.
		a.sup.GoRestart("debug.http", a.debug.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithPublishFirstError(false),
		)
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("schedules", a.timers.Len()))
	return nil
}

// applyConfig pushes a reloaded config into the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// Target first so Apply doesn't warn when Telegram logging is on.
	if chatID, ok := logTarget(next); ok {
		a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(next))

	a.router.SetOwners(next.Telegram.OwnerUserIDs)

	if slices.Contains(sections, "scheduler") {
		sc, err := mapScheduleConfig(next)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			wasEnabled := prev != nil && prev.Scheduler.Enabled
			a.timers.Apply(sc)
			switch {
			case wasEnabled && !sc.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.timers.Stop(stopCtx)
				cancel()
				a.log.Info("scheduler disabled via config")
			case !wasEnabled && sc.Enabled:
				a.timers.Start()
				a.log.Info("scheduler enabled via config")
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.SubscriptionChanged:
		a.log.Info("subscription changed",
			logx.String("channel", d.ChannelID),
			logx.String("action", d.Action),
			logx.Bool("active", d.Active))
	case eventbus.FireSkipped:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("channel", d.ChannelID), logx.String("stage", d.Stage))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; log if it doesn't.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Timers first so no firing starts against a closing adapter or store.
	step("schedule", 5*time.Second, func(c context.Context) error { a.timers.Close(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
