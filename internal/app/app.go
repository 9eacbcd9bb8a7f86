// Package app wires configuration, logging, storage, the task engine, the job
// runner, the scheduler registry and the admin service into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"batchctl/internal/admin"
	"batchctl/internal/config"
	"batchctl/internal/eventbus"
	"batchctl/internal/httpapi"
	"batchctl/internal/runner"
	"batchctl/internal/runner/jobs"
	rtsup "batchctl/internal/runtime/supervisor"
	"batchctl/internal/storage"
	"batchctl/internal/task/engine"
	"batchctl/internal/task/listener"
	"batchctl/internal/task/scheduler"
	logx "batchctl/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	runner *runner.Local
	sched  *scheduler.Service
	admin  *admin.Service
	http   *httpapi.Service
}

// New loads the config file and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.NewService(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	bus := eventbus.New()

	store, err := OpenStore(cfg, root)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engineSvc := engine.New(engCfg, root, bus)

	run := runner.NewLocal(root, bus)
	if err := jobs.Register(run, root); err != nil {
		_ = store.Close()
		return nil, err
	}

	sched, err := scheduler.NewService(scheduler.Config{Timezone: cfg.Scheduler.Timezone},
		scheduler.NewRegistry(root), run, engineSvc, root, bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	lb := listener.Builder{
		Runner:     run,
		Pool:       engineSvc,
		Log:        root,
		Bus:        bus,
		RatePerSec: cfg.Listener.RatePerSec,
		Burst:      cfg.Listener.Burst,
	}

	adminSvc := admin.New(store, sched, lb, bus, root)

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		engine: engineSvc,
		runner: run,
		sched:  sched,
		admin:  adminSvc,
		http:   httpapi.New(httpCfg, httpapi.NewAPI(adminSvc, sched.Registry(), engineSvc, root), root),
	}, nil
}

// Runner accepts job registrations; register before Start so stored
// configurations naming them can be bootstrapped.
func (a *App) Runner() *runner.Local         { return a.runner }
func (a *App) Admin() *admin.Service         { return a.admin }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Config() *config.ConfigManager { return a.cfgm }
func (a *App) HTTP() *httpapi.Service        { return a.http }

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

// Start runs the engine, seeds and bootstraps stored configurations, starts
// the admin API when enabled, and the background loops: status write-back,
// config reload and watch.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.engine.Start(a.sup.Context())

	// subscribe before any unit exists so no status change is missed
	statusCh, unsubStatus := a.bus.Subscribe(256, eventbus.TypeUnitStatus)
	a.sup.Go0("status.sync", func(c context.Context) {
		defer unsubStatus()
		a.syncStatusLoop(c, statusCh)
	})

	cfg := a.cfgm.Get()
	if n, err := a.admin.SeedFromConfig(ctx, cfg.Jobs); err != nil {
		a.log.Warn("some seed jobs were not added", logx.Int("added", n), logx.Err(err))
	} else if n > 0 {
		a.log.Info("seed jobs added", logx.Int("added", n))
	}
	if err := a.admin.Bootstrap(ctx); err != nil {
		return err
	}

	a.http.Start(a.sup.Context())

	events, unsubEvents := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubEvents()
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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("units", a.sched.Registry().Len()))
	return nil
}

func (a *App) syncStatusLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ev, ok := e.Data.(scheduler.StatusEvent)
			if !ok {
				continue
			}
			if err := a.admin.SyncStatus(ctx, ev); err != nil {
				a.log.Warn("status write-back failed", logx.String("unit", ev.UnitID), logx.Err(err))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts: keep only the latest
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if slices.Contains(sections, "task_engine") {
		engCfg, err := mapTaskEngineConfig(next)
		if err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, engCfg)
		}
	}
	if slices.Contains(sections, "http") {
		hc, err := mapHTTPConfig(next)
		if err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}
	for _, s := range []string{"storage", "scheduler", "listener"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if slices.Contains(sections, "jobs") {
		if n, err := a.admin.SeedFromConfig(ctx, next.Jobs); err != nil {
			a.log.Warn("some seed jobs were not added", logx.Int("added", n), logx.Err(err))
		} else if n > 0 {
			a.log.Info("seed jobs added", logx.Int("added", n))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop ends the background loops first so unit shutdown is not written back
// as STOPPED, then stops every unit, drains the engine and closes the store.
// Units stored as RUNNING therefore resume on the next start.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("httpapi", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("units", 2*time.Second, func(context.Context) error { a.sched.Registry().StopAll(); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	if err := errors.Join(errs...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
