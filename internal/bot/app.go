package bot

import (
	"context"
	"fmt"
	"time"

	"rosterbot/internal/config"
	"rosterbot/internal/eventbus"
	"rosterbot/internal/render"
	"rosterbot/internal/sched"
	"rosterbot/internal/storage"
	"rosterbot/internal/transport"
	"rosterbot/internal/transport/telegram"
	logx "rosterbot/pkg/logx"
)

// App wires config, logging, storage, the Telegram adapter, the scheduler
// and the command router into one process.
type App struct {
	cfgm *config.Manager

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	backend storage.Backend
	store   *sched.Store

	adapter *telegram.Adapter
	sched   *sched.Service
	router  *Router

	updates chan transport.Update

	stopWatch context.CancelFunc
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	backend, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	flushDebounce, err := config.ParseDurationOrDefault("scheduler.flush_debounce", cfg.Scheduler.FlushDebounce, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	store := sched.NewStore(backend, flushDebounce, log.With(logx.String("comp", "store")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.SendRatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = backend.Close()
		_ = logs.Close()
		return nil, err
	}

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	svc, err := sched.New(schedCfg, store, adapter, render.New(), bus, log.With(logx.String("comp", "sched")))
	if err != nil {
		_ = backend.Close()
		_ = logs.Close()
		return nil, err
	}

	app := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		backend: backend,
		store:   store,
		adapter: adapter,
		sched:   svc,
		updates: make(chan transport.Update, 256),
	}
	app.router = NewRouter(app)
	return app, nil
}

func storageConfig(cfg *config.Config) storage.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func schedulerConfig(cfg *config.Config) (sched.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 15*time.Second)
	if err != nil {
		return sched.Config{}, err
	}
	stepDelay, err := config.ParseDurationOrDefault("scheduler.reconcile_step_delay", cfg.Scheduler.ReconcileStepDelay, 250*time.Millisecond)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		Timezone:           cfg.Scheduler.Timezone,
		TickInterval:       tick,
		ReconcileStepDelay: stepDelay,
		ReconcileMaxSteps:  cfg.Scheduler.ReconcileMaxSteps,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.store.Load(ctx); err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	if err := a.adapter.Start(ctx, a.updates); err != nil {
		return err
	}
	a.sched.Start(ctx)
	a.router.Start(ctx)

	wctx, cancel := context.WithCancel(ctx)
	a.stopWatch = cancel
	go func() {
		_ = a.cfgm.Watch(wctx)
	}()
	go a.applyConfigUpdates(wctx)

	// Startup pass over tracked clock-in views, throttled inside.
	go a.sched.ReconcileViews(ctx)

	if err := a.adapter.UpdateMenuCommands(ctx, menuCommands()); err != nil {
		a.log.Debug("menu command update failed", logx.Err(err))
	}

	a.log.Info("app started")
	return nil
}

// applyConfigUpdates reacts to hot-reloaded config. Only logging knobs are
// applied live; transport and scheduler changes need a restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	_ = a.adapter.Stop(ctx)
	a.sched.Stop(ctx)
	a.store.Flush(ctx)
	_ = a.backend.Close()
	a.log.Info("app stopped")
	_ = a.logs.Close()
	return nil
}
