// Package app wires configuration, storage, the scheduling engine services
// and the trigger scheduler into one process with hot config reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"planwise/internal/config"
	"planwise/internal/eventbus"
	"planwise/internal/notify"
	"planwise/internal/notify/telegram"
	"planwise/internal/pipeline"
	"planwise/internal/repair"
	"planwise/internal/runtime/supervisor"
	"planwise/internal/sched"
	"planwise/internal/storage"
	logx "planwise/pkg/logx"
)

const (
	pollJob  = "pipeline.poll"
	sweepJob = "repair.sweep"

	jobTimeout = 2 * time.Minute
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	notif *notify.Service
	pipe  *pipeline.Service
	rep   *repair.Service
	sched *sched.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", scfg.Driver))

	// Delivery adapter (optional). Without one, notifications are logged only.
	var adapter notify.Adapter
	ncfg := mapNotifyConfig(cfg)
	if cfg.Notify != nil && cfg.Notify.Telegram != nil && strings.TrimSpace(cfg.Notify.Telegram.Token) != "" {
		ad, err := telegram.New(telegram.Config{
			Token:  cfg.Notify.Telegram.Token,
			ChatID: cfg.Notify.Telegram.ChatID,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		adapter = ad
	}
	notifSvc := notify.New(ncfg, adapter, log.With(logx.String("comp", "notify")))

	pcfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	pipeSvc := pipeline.New(pcfg, log.With(logx.String("comp", "pipeline")), bus, store, notifSvc)

	repSvc := repair.New(log.With(logx.String("comp", "repair")), store, bus, notifSvc)

	schedSvc := sched.New(sched.Config{
		Enabled:  cfg.Sched.Enabled,
		Timezone: cfg.Sched.Timezone,
	}, log.With(logx.String("comp", "sched")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		notif:   notifSvc,
		pipe:    pipeSvc,
		rep:     repSvc,
		sched:   schedSvc,
	}, nil
}

// Pipeline exposes the orchestrator for the push ingress.
func (a *App) Pipeline() *pipeline.Service { return a.pipe }

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

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPipelineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRepairInterval(cfg); err != nil {
			return err
		}
		if cfg.Notify != nil {
			if cfg.Notify.RatePerSec < 0 {
				return fmt.Errorf("notify.rate_per_sec must be >= 0")
			}
			if cfg.Notify.RetryMax < 0 {
				return fmt.Errorf("notify.retry_max must be >= 0")
			}
		}
		if tz := strings.TrimSpace(cfg.Sched.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("sched.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	cfg := a.cfgm.Get()

	a.pipe.Start(a.sup.Context())

	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	// Log engine events for operational visibility.
	events, unsub := a.bus.Subscribe(128, pipeline.StatusChannel, repair.ResultChannel)
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
				a.log.Debug("event", logx.String("channel", e.Channel), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	if cfg == nil {
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

	// Storage cannot be swapped live.
	if prev != nil && (prev.Storage.Driver != cfg.Storage.Driver || prev.Storage.Path != cfg.Storage.Path) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.notif.Apply(mapNotifyConfig(cfg))

	if pcfg, err := mapPipelineConfig(cfg); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Any("err", err))
	} else {
		a.pipe.Apply(ctx, pcfg)
		if pcfg.Enabled && a.pipe.State() == pipeline.StateStopped {
			a.log.Info("pipeline enabled via config")
			a.pipe.Start(ctx)
		} else if !pcfg.Enabled && a.pipe.State() == pipeline.StateRunning {
			a.log.Info("pipeline disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.pipe.Stop(stopCtx)
			cancel()
		}
	}

	a.sched.Apply(ctx, sched.Config{Enabled: cfg.Sched.Enabled, Timezone: cfg.Sched.Timezone})
	if err := a.registerJobs(cfg); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Any("err", err))
	}
	if cfg.Sched.Enabled {
		a.sched.Start(ctx)
	} else {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}

	a.log.Info("config reloaded")
}

// registerJobs (re)installs the poll and sweep triggers from config.
func (a *App) registerJobs(cfg *config.Config) error {
	pcfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return err
	}
	if pcfg.Enabled {
		if err := a.sched.AddInterval(pollJob, pcfg.PollEvery, jobTimeout, func(c context.Context) error {
			return a.pipe.PollOnce(c)
		}); err != nil {
			return err
		}
	} else {
		a.sched.Remove(pollJob)
	}

	sweepEvery, err := mapRepairInterval(cfg)
	if err != nil {
		return err
	}
	if cfg.Repair.Enabled {
		if err := a.sched.AddInterval(sweepJob, sweepEvery, jobTimeout, func(c context.Context) error {
			return a.rep.RunOnce(c)
		}); err != nil {
			return err
		}
	} else {
		a.sched.Remove(sweepJob)
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first so no new work enters, then the worker, then storage.
	step("sched", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pipeline", 3*time.Second, func(c context.Context) error { a.pipe.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.TrimSpace(cfg.Storage.Driver)
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" && driver != "memory" {
		path = "./planwise.db"
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	out := pipeline.Config{Enabled: true}
	if cfg == nil || cfg.Pipeline == nil {
		return out, nil
	}
	p := cfg.Pipeline
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	out.QueueSize = p.QueueSize
	out.RecentErrors = p.RecentErrors
	out.ContextEntries = p.ContextEntries

	var err error
	out.PollEvery, err = config.ParseDurationOrDefault("pipeline.poll_every", p.PollEvery, 30*time.Second)
	if err != nil {
		return out, err
	}
	out.SeenTTL, err = config.ParseDurationOrDefault("pipeline.seen_ttl", p.SeenTTL, 7*24*time.Hour)
	if err != nil {
		return out, err
	}
	if p.QueueSize < 0 {
		return out, fmt.Errorf("pipeline.queue_size must be >= 0")
	}
	if p.RecentErrors < 0 {
		return out, fmt.Errorf("pipeline.recent_errors must be >= 0")
	}
	return out, nil
}

func mapRepairInterval(cfg *config.Config) (time.Duration, error) {
	if cfg == nil {
		return 5 * time.Minute, nil
	}
	return config.ParseDurationOrDefault("repair.sweep_every", cfg.Repair.SweepEvery, 5*time.Minute)
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	out := notify.Config{Enabled: true}
	if cfg == nil || cfg.Notify == nil {
		return out
	}
	out.Enabled = cfg.Notify.Enabled
	out.RatePerSec = cfg.Notify.RatePerSec
	out.RetryMax = cfg.Notify.RetryMax
	return out
}
