// Package sweeper releases tasks abandoned by dead workers and prunes old
// completed tasks.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "taskrunner/pkg/logx"
)

// KeepForever as Config.Retention disables pruning.
const KeepForever time.Duration = -1

// Store is the subset of the task store the sweeper needs.
type Store interface {
	ReclaimStale(ctx context.Context, scope int64, before time.Time) (int64, error)
	PruneCompleted(ctx context.Context, scope int64, before time.Time) (int64, error)
}

type Config struct {
	Scope int64

	// MaxExecutionTime is how long a running task may go without an
	// iteration before it is presumed dead.
	MaxExecutionTime time.Duration

	// Retention is how long completed tasks are kept. Negative keeps them forever.
	Retention time.Duration

	Now func() time.Time
}

// Result reports what one pass changed.
type Result struct {
	Reclaimed int64
	Pruned    int64
}

type Sweeper struct {
	store Store
	log   logx.Logger

	mu  sync.Mutex
	cfg Config
}

func New(store Store, cfg Config, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{store: store, cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "sweeper"))}
}

func (c Config) withDefaults() Config {
	if c.Scope == 0 {
		c.Scope = 1
	}
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Apply swaps the configuration used by later passes.
func (s *Sweeper) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Run performs one pass. Both steps run even if the first fails.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	now := cfg.Now()

	n, err := s.store.ReclaimStale(ctx, cfg.Scope, now.Add(-cfg.MaxExecutionTime))
	if err != nil {
		errs = append(errs, fmt.Errorf("reclaim: %w", err))
	}
	res.Reclaimed = n

	if cfg.Retention >= 0 {
		n, err = s.store.PruneCompleted(ctx, cfg.Scope, now.Add(-cfg.Retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("prune: %w", err))
		}
		res.Pruned = n
	}

	if res.Reclaimed > 0 || res.Pruned > 0 {
		s.log.Info("maintenance done",
			logx.Int64("scope", cfg.Scope),
			logx.Int64("reclaimed", res.Reclaimed),
			logx.Int64("pruned", res.Pruned),
		)
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("maintenance failed", logx.Err(err))
		return res, err
	}
	return res, nil
}

// RetentionHours converts the configured retention in hours; negative hours
// mean keep forever.
func RetentionHours(h int) time.Duration {
	if h < 0 {
		return KeepForever
	}
	return time.Duration(h) * time.Hour
}
