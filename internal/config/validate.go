package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that would otherwise fail later at wiring time.
// Schedules are checked by the trigger package.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	if _, err := cfg.Storage.BusyTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}

	q := cfg.Queue
	if q.Scope < 0 {
		errs = append(errs, errors.New("queue.scope must be >= 0"))
	}
	if q.MaxConcurrentRunners < 0 {
		errs = append(errs, errors.New("queue.max_concurrent_runners must be >= 0"))
	}
	if q.Workers < 0 {
		errs = append(errs, errors.New("queue.workers must be >= 0"))
	}
	if q.BreakerLimit < 0 {
		errs = append(errs, errors.New("queue.breaker_limit must be >= 0"))
	}
	if h := q.Retention(); h < -1 {
		errs = append(errs, errors.New("queue.retention_period_hours must be >= -1"))
	}
	if _, err := q.Timings(); err != nil {
		errs = append(errs, err)
	}

	if tz := strings.TrimSpace(cfg.Triggers.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("triggers.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}
