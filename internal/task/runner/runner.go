package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskrunner/internal/eventbus"
	rtsup "taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/task"
	"taskrunner/internal/task/sweeper"
	logx "taskrunner/pkg/logx"
)

// Claimer hands out exclusive claims on eligible tasks.
type Claimer interface {
	ClaimNext(ctx context.Context, scope int64) (*task.Task, error)
}

// Maintainer is run once at the start of every invocation.
type Maintainer interface {
	Run(ctx context.Context) (sweeper.Result, error)
}

// Resolver maps actions to handlers.
type Resolver interface {
	Resolve(action string) (task.Handler, bool)
}

type Runner struct {
	store Claimer
	reg   Resolver
	sweep Maintainer
	bus   eventbus.Bus
	log   logx.Logger

	mu  sync.Mutex
	cfg Config
}

// New builds a runner. sweep and bus may be nil.
func New(store Claimer, reg Resolver, sweep Maintainer, cfg Config, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		store: store,
		reg:   reg,
		sweep: sweep,
		bus:   bus,
		log:   log.With(logx.String("comp", "runner")),
		cfg:   cfg.withDefaults(),
	}
}

// Apply swaps the configuration used by later invocations.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Runner) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// invocation is the state of one Run shared by its workers.
type invocation struct {
	id     string
	cfg    Config
	begin  time.Time
	budget time.Duration

	mu     sync.Mutex
	report Report
	// active holds claimed tasks that have not reached a terminal save.
	active map[int64]*task.Task
}

func (inv *invocation) now() time.Time { return inv.cfg.Now() }

// hasTime reports whether a claim or iteration may still start.
func (inv *invocation) hasTime() bool {
	return inv.now().Sub(inv.begin) < inv.budget-inv.cfg.SafetyMargin
}

func (inv *invocation) track(t *task.Task) {
	inv.mu.Lock()
	inv.active[t.ID()] = t
	inv.mu.Unlock()
}

func (inv *invocation) release(t *task.Task) {
	inv.mu.Lock()
	delete(inv.active, t.ID())
	inv.mu.Unlock()
}

func (inv *invocation) count(fn func(*Report)) {
	inv.mu.Lock()
	fn(&inv.report)
	inv.mu.Unlock()
}

// Run performs one invocation. Task failures are recorded on the tasks and in
// the report; the returned error is for store or maintenance failures only.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	cfg := r.config()
	begin := cfg.Now()
	var hostLimit time.Duration
	if dl, ok := ctx.Deadline(); ok {
		hostLimit = dl.Sub(begin)
	}
	inv := &invocation{
		id:     uuid.NewString(),
		cfg:    cfg,
		begin:  begin,
		budget: cfg.Budget(hostLimit),
		active: map[int64]*task.Task{},
	}
	inv.report.RunID = inv.id
	inv.report.Started = begin
	inv.report.Budget = inv.budget
	log := r.log.With(logx.String("run", inv.id))

	// Last resort for tasks a worker left behind without a terminal save.
	defer func() {
		inv.mu.Lock()
		left := make([]*task.Task, 0, len(inv.active))
		for _, t := range inv.active {
			left = append(left, t)
		}
		inv.mu.Unlock()
		for _, t := range left {
			if !t.Running() || t.Superseded() {
				continue
			}
			r.interrupt(ctx, inv, t, logx.Logger{}, errors.New("invocation ended with task still running"))
		}
	}()

	var errs []error
	if r.sweep != nil {
		res, err := r.sweep.Run(ctx)
		inv.report.Maintenance = res
		if err != nil {
			errs = append(errs, fmt.Errorf("maintenance: %w", err))
		}
	}

	if cfg.Workers == 1 {
		if err := r.work(ctx, inv); err != nil {
			errs = append(errs, err)
		}
	} else {
		sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(log))
		defer sup.Cancel()
		for i := 0; i < cfg.Workers; i++ {
			sup.Go(fmt.Sprintf("runner.worker.%d", i), func(ctx context.Context) error {
				return r.work(ctx, inv)
			})
		}
		// Workers stop on their own once the budget is spent.
		if err := sup.Wait(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
	}

	inv.mu.Lock()
	rep := inv.report
	inv.mu.Unlock()
	rep.Elapsed = cfg.Now().Sub(begin)

	err := errors.Join(errs...)
	fields := []logx.Field{
		logx.Int("claimed", rep.Claimed),
		logx.Int("completed", rep.Completed),
		logx.Int("suspended", rep.Suspended),
		logx.Int("failed", rep.Failed),
		logx.Duration("elapsed", rep.Elapsed),
		logx.Duration("budget", rep.Budget),
	}
	switch {
	case err != nil:
		log.Warn("run finished with errors", append(fields, logx.Err(err))...)
	case rep.Claimed > 0:
		log.Info("run finished", fields...)
	default:
		log.Debug("run finished", fields...)
	}
	return rep, err
}

// work claims and processes tasks until none is eligible, the budget is
// spent, or ctx is cancelled.
func (r *Runner) work(ctx context.Context, inv *invocation) error {
	for {
		if ctx.Err() != nil || !inv.hasTime() {
			return nil
		}
		t, err := r.store.ClaimNext(ctx, inv.cfg.Scope)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim: %w", err)
		}
		if t == nil {
			return nil
		}
		r.process(ctx, inv, t)
	}
}
