package app

import (
	"fmt"
	"strings"
	"time"

	"taskrunner/internal/config"
	"taskrunner/internal/task/runner"
	"taskrunner/internal/task/store"
	"taskrunner/internal/task/sweeper"
	"taskrunner/internal/task/trigger"
	logx "taskrunner/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	busy, err := sc.BusyTimeoutDuration()
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:               strings.TrimSpace(sc.Driver),
		Path:                 strings.TrimSpace(sc.Path),
		DSN:                  strings.TrimSpace(sc.DSN),
		BusyTimeout:          config.Or(busy, 5*time.Second),
		Table:                strings.TrimSpace(sc.Table),
		Scope:                cfg.Queue.Scope,
		MaxConcurrentRunners: maxRunners(cfg),
	}, nil
}

func maxRunners(cfg *config.Config) int {
	if n := cfg.Queue.MaxConcurrentRunners; n > 0 {
		return n
	}
	return runner.DefaultMaxConcurrentRunners
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	q := cfg.Queue
	rc := runner.Config{
		Scope:                q.Scope,
		MaxConcurrentRunners: maxRunners(cfg),
		Workers:              q.Workers,
		ExtendTimeLimit:      q.ExtendTimeLimitEnabled(),
		BreakerLimit:         q.BreakerLimit,
	}
	tm, err := q.Timings()
	if err != nil {
		return runner.Config{}, err
	}
	rc.MaxExecutionTime = config.Or(tm.MaxExecutionTime, runner.DefaultMaxExecutionTime)
	rc.WorkerSlice = config.Or(tm.WorkerTimeSlice, runner.DefaultWorkerSlice)
	rc.SafetyMargin = config.Or(tm.SafetyMargin, runner.DefaultSafetyMargin)
	rc.FailoverDelay = config.Or(tm.FailoverDelay, runner.DefaultFailoverDelay)
	return rc, nil
}

// mapSweeperConfig uses the runner budget as the staleness limit so a task
// iterating within its invocation budget is never reclaimed.
func mapSweeperConfig(cfg *config.Config, rc runner.Config) sweeper.Config {
	return sweeper.Config{
		Scope:            cfg.Queue.Scope,
		MaxExecutionTime: rc.Budget(0),
		Retention:        sweeper.RetentionHours(cfg.Queue.Retention()),
	}
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{
		Enabled:  cfg.Triggers.Enabled,
		Timezone: strings.TrimSpace(cfg.Triggers.Timezone),
	}
}

// validate rejects configs that parse but cannot be wired.
func validate(cfg *config.Config) error {
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, err := trigger.ParseSchedule(cfg.Triggers.RunSchedule()); err != nil {
		return fmt.Errorf("triggers.run: %w", err)
	}
	if _, err := trigger.ParseSchedule(cfg.Triggers.MaintenanceSchedule()); err != nil {
		return fmt.Errorf("triggers.maintenance: %w", err)
	}
	return nil
}
