package runner

import "time"

const (
	DefaultMaxConcurrentRunners = 4
	DefaultMaxExecutionTime     = 60 * time.Second
	DefaultWorkerSlice          = 60 * time.Second
	DefaultSafetyMargin         = 10 * time.Second
	DefaultBreakerLimit         = 1000
	DefaultFailoverDelay        = 180 * time.Second

	terminalSaveTimeout = 10 * time.Second
)

// Config controls one runner invocation.
type Config struct {
	Scope int64

	// MaxConcurrentRunners is the per-scope running ceiling; it also sizes
	// the extended budget below.
	MaxConcurrentRunners int

	// Workers is the number of claim loops per invocation. Each one claims
	// through the store, so the ceiling still holds across them.
	Workers int

	// MaxExecutionTime is the default invocation budget.
	MaxExecutionTime time.Duration

	// With ExtendTimeLimit the budget is raised to WorkerSlice x
	// MaxConcurrentRunners when that is larger.
	ExtendTimeLimit bool
	WorkerSlice     time.Duration

	// No claim or iteration starts within SafetyMargin of the budget end.
	// Negative means no margin.
	SafetyMargin time.Duration

	// BreakerLimit is the iteration count per claim that trips the circuit breaker.
	BreakerLimit int

	// FailoverDelay reschedules tasks after a breaker trip or an interruption.
	FailoverDelay time.Duration

	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Scope == 0 {
		c.Scope = 1
	}
	if c.MaxConcurrentRunners <= 0 {
		c.MaxConcurrentRunners = DefaultMaxConcurrentRunners
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if c.WorkerSlice <= 0 {
		c.WorkerSlice = DefaultWorkerSlice
	}
	switch {
	case c.SafetyMargin == 0:
		c.SafetyMargin = DefaultSafetyMargin
	case c.SafetyMargin < 0:
		c.SafetyMargin = 0
	}
	if c.BreakerLimit <= 0 {
		c.BreakerLimit = DefaultBreakerLimit
	}
	if c.FailoverDelay <= 0 {
		c.FailoverDelay = DefaultFailoverDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Budget returns the wall-clock budget of an invocation whose host limit
// (context deadline) leaves hostLimit; hostLimit <= 0 means no host limit.
func (c Config) Budget(hostLimit time.Duration) time.Duration {
	b := c.MaxExecutionTime
	if c.ExtendTimeLimit {
		if want := c.WorkerSlice * time.Duration(c.MaxConcurrentRunners); want > b {
			b = want
		}
	}
	if hostLimit > 0 && hostLimit < b {
		b = hostLimit
	}
	return b
}
