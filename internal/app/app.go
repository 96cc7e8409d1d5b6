package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskrunner/internal/config"
	"taskrunner/internal/eventbus"
	"taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/task"
	"taskrunner/internal/task/runner"
	"taskrunner/internal/task/store"
	"taskrunner/internal/task/sweeper"
	"taskrunner/internal/task/trigger"
	logx "taskrunner/pkg/logx"
)

// App wires configuration, logging, the task store, the runner, the sweeper
// and the timer triggers.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	sd   sdNotifier

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  *store.Store
	reg    *task.Registry
	sweep  *sweeper.Sweeper
	runner *runner.Runner
	trig   *trigger.Service
}

// New loads cfgPath and opens the store. Handlers are resolved through reg.
func New(ctx context.Context, cfgPath string, reg *task.Registry) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	st, err := store.Open(ctx, sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	bus := eventbus.New()
	sw := sweeper.New(st, mapSweeperConfig(cfg, rc), log)

	a := &App{
		cfgm:   cfgm,
		sd:     sdNotifier{log: log.With(logx.String("comp", "systemd"))},
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  st,
		reg:    reg,
		sweep:  sw,
		runner: runner.New(st, reg, sw, rc, log, bus),
		trig:   trigger.New(mapTriggerConfig(cfg), log),
	}
	appLog.Info("app ready",
		logx.String("driver", st.Driver()),
		logx.Int64("scope", st.Scope()),
		logx.Int("max_concurrent_runners", st.MaxRunners()),
	)
	return a, nil
}

func (a *App) Log() logx.Logger         { return a.log }
func (a *App) Bus() eventbus.Bus        { return a.bus }
func (a *App) Store() *store.Store      { return a.store }
func (a *App) Registry() *task.Registry { return a.reg }
func (a *App) Config() *config.Config   { return a.cfgm.Get() }

// RunOnce performs one runner invocation, including its maintenance pass.
func (a *App) RunOnce(ctx context.Context) (runner.Report, error) {
	return a.runner.Run(ctx)
}

// Sweep performs one maintenance pass.
func (a *App) Sweep(ctx context.Context) (sweeper.Result, error) {
	return a.sweep.Run(ctx)
}

// Close releases the store and log sinks. Use Stop for a started app.
func (a *App) Close() error {
	return errors.Join(a.store.Close(), a.logs.Close())
}

// Done is closed when the app stops on its own (fatal error).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the serve loop: triggers, config hot reload, event logging and
// systemd notifications.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()
	if err := a.registerTriggers(cfg); err != nil {
		return err
	}
	if a.trig.Enabled() {
		a.trig.Start(a.sup.Context())
	} else {
		a.log.Info("triggers disabled; waiting for config change")
	}

	events, unsub := a.bus.Subscribe(128, "task.")
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
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
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	a.sup.Go0("systemd.watchdog", a.sd.watchdog)

	a.sd.Ready()
	a.log.Info("app started",
		logx.Bool("triggers", a.trig.Enabled()),
		logx.Any("actions", a.reg.Actions()),
	)
	return nil
}

// registerTriggers (re)adds the run and maintenance entries. Each fire is
// bounded by the runner budget.
func (a *App) registerTriggers(cfg *config.Config) error {
	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		return err
	}
	budget := rc.Budget(0)

	// Overlapping runs are fine: the store ceiling bounds concurrency.
	if err := a.trig.Add(trigger.NameRun, cfg.Triggers.RunSchedule(), trigger.OverlapAllow, budget,
		func(ctx context.Context) error {
			_, err := a.runner.Run(ctx)
			return err
		}); err != nil {
		return fmt.Errorf("triggers.run: %w", err)
	}
	if err := a.trig.Add(trigger.NameMaintenance, cfg.Triggers.MaintenanceSchedule(), trigger.OverlapSkip, budget,
		func(ctx context.Context) error {
			_, err := a.sweep.Run(ctx)
			return err
		}); err != nil {
		return fmt.Errorf("triggers.maintenance: %w", err)
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, last, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(last, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	if config.StorageChanged(last, next) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))

	rc, err := mapRunnerConfig(next)
	if err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(rc)
		a.sweep.Apply(mapSweeperConfig(next, rc))
		a.store.SetMaxRunners(maxRunners(next))
	}

	wasEnabled := a.trig.Enabled()
	a.trig.Apply(mapTriggerConfig(next))
	if err := a.registerTriggers(next); err != nil {
		a.log.Warn("invalid trigger config; keeping previous entries", logx.Err(err))
	}
	switch {
	case wasEnabled && !next.Triggers.Enabled:
		a.log.Info("triggers disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		a.trig.Stop(stopCtx)
		cancel()
	case !wasEnabled && next.Triggers.Enabled:
		a.log.Info("triggers enabled via config")
		a.trig.Start(ctx)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop stops triggers, waits for in-flight invocations up to ctx, and closes
// the store and log sinks.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Triggers first so in-flight runs get their terminal saves in.
	a.trig.Stop(ctx)
	a.sup.Cancel()
	err := a.sup.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("stopped")
	return errors.Join(err, a.Close())
}
