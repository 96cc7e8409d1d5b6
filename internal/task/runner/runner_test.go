package runner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/task"
	"taskrunner/internal/task/store"
	"taskrunner/internal/task/sweeper"
	logx "taskrunner/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	st  *store.Store
	reg *task.Registry
	clk *clock
	bus eventbus.Bus
}

func newEnv(t *testing.T, maxRunners int) *env {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	st, err := store.Open(context.Background(), store.Config{
		Driver:               "sqlite",
		Path:                 filepath.Join(t.TempDir(), "tasks.db"),
		MaxConcurrentRunners: maxRunners,
		Now:                  clk.Now,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return &env{st: st, reg: task.NewRegistry(), clk: clk, bus: eventbus.New()}
}

func (e *env) runner(cfg Config) *Runner {
	cfg.Now = e.clk.Now
	return New(e.st, e.reg, nil, cfg, logx.Nop(), e.bus)
}

func (e *env) enqueue(t *testing.T, action string, opts ...store.EnqueueOption) int64 {
	t.Helper()
	tk, err := e.st.Enqueue(context.Background(), action, nil, opts...)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return tk.ID()
}

// reload reads the row back, bypassing the identity cache.
func (e *env) reload(t *testing.T, id int64) *task.Task {
	t.Helper()
	e.st.Flush(id)
	tk, err := e.st.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%d): %v", id, err)
	}
	return tk
}

func run(t *testing.T, r *Runner) Report {
	t.Helper()
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rep
}

func hasLog(tk *task.Task, sub string) bool {
	for _, l := range tk.Logs() {
		if strings.Contains(l.Message, sub) {
			return true
		}
	}
	return false
}

// lifecycle records hook calls. Setup and Shutdown fail when told to.
type lifecycle struct {
	mu      sync.Mutex
	calls   []string
	execute func(ctx context.Context, t *task.Task) error

	setupErr      error
	shutdownErr   error
	shutdownPanic any
}

func (l *lifecycle) note(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *lifecycle) Setup(context.Context, *task.Task) error {
	l.note("setup")
	return l.setupErr
}

func (l *lifecycle) Execute(ctx context.Context, t *task.Task) error {
	l.note("execute")
	return l.execute(ctx, t)
}

func (l *lifecycle) Shutdown(context.Context, *task.Task) error {
	l.note("shutdown")
	if l.shutdownPanic != nil {
		panic(l.shutdownPanic)
	}
	return l.shutdownErr
}

func (l *lifecycle) OnComplete(context.Context, *task.Task) error {
	l.note("complete")
	return nil
}

func (l *lifecycle) OnAbort(context.Context, *task.Task) error {
	l.note("abort")
	return nil
}

func (l *lifecycle) trace() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.calls, ",")
}

func TestCompleteAfterIterations(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	lc := &lifecycle{execute: func(_ context.Context, tk *task.Task) error {
		n, _ := tk.GetInt("n")
		tk.Set("n", n+1)
		if n+1 == 3 {
			tk.Complete()
		}
		return nil
	}}
	e.reg.MustRegister("count", lc)
	id := e.enqueue(t, "count", store.WithTag("x"))
	e.st.Cache().Reset()

	rep := run(t, e.runner(Config{}))
	if rep.Claimed != 1 || rep.Completed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := lc.trace(); got != "setup,execute,execute,execute,complete,shutdown" {
		t.Fatalf("unexpected call order %q", got)
	}

	tk := e.reload(t, id)
	if !tk.IsCompleted() || tk.Running() || tk.Fails() != 0 {
		t.Fatalf("unexpected state: completed=%v running=%v fails=%d", tk.IsCompleted(), tk.Running(), tk.Fails())
	}
	if tk.Status() != task.StatusCompleted || !hasLog(tk, "Task Complete.") {
		t.Fatalf("unexpected status %q logs %+v", tk.Status(), tk.Logs())
	}
	if n, _ := tk.GetInt("n"); n != 3 {
		t.Fatalf("expected data saved per iteration, n=%d", n)
	}
	if !tk.LastStart().Equal(e.clk.Now()) || !tk.LastIteration().Equal(e.clk.Now()) {
		t.Fatalf("claim stamps not persisted")
	}
}

func TestCircuitBreaker(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	var calls atomic.Int64
	e.reg.MustRegister("spin", task.HandlerFunc(func(context.Context, *task.Task) error {
		calls.Add(1)
		return nil
	}))
	id := e.enqueue(t, "spin")

	rep := run(t, e.runner(Config{}))
	if calls.Load() != 1000 {
		t.Fatalf("expected exactly 1000 iterations, got %d", calls.Load())
	}
	if rep.Breakers != 1 || rep.Suspended != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	tk := e.reload(t, id)
	if tk.Fails() != 1 {
		t.Fatalf("expected fails=1 after breaker trip, got %d", tk.Fails())
	}
	if got := tk.NextStart().Sub(e.clk.Now()); got != 180*time.Second {
		t.Fatalf("expected next_start +180s, got +%s", got)
	}
	if tk.Running() || tk.IsCompleted() {
		t.Fatalf("expected released, not completed")
	}
	if !hasLog(tk, "Circuit breaker switched after 1000 iterations") || !hasLog(tk, "Task suspended.") {
		t.Fatalf("unexpected logs %+v", tk.Logs())
	}
}

func TestBreakerResetByHandler(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	var calls atomic.Int64
	e.reg.MustRegister("long", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		if calls.Add(1) == 1500 {
			tk.Complete()
		}
		tk.ResetBreaker()
		return nil
	}))
	id := e.enqueue(t, "long")

	rep := run(t, e.runner(Config{}))
	if rep.Breakers != 0 || rep.Completed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if tk := e.reload(t, id); tk.Fails() != 0 || !tk.IsCompleted() {
		t.Fatalf("unexpected state fails=%d completed=%v", tk.Fails(), tk.IsCompleted())
	}
}

func TestExecutionFailureLocksTask(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	lc := &lifecycle{execute: func(context.Context, *task.Task) error {
		return errors.New("upstream exploded")
	}}
	e.reg.MustRegister("bad", lc)
	bad := e.enqueue(t, "bad", store.WithPriority(9))
	good := e.enqueue(t, "good")
	e.reg.MustRegister("good", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		tk.Complete()
		return nil
	}))

	rep := run(t, e.runner(Config{}))
	if rep.Failed != 1 || rep.Completed != 1 {
		t.Fatalf("expected loop to continue after failure, report %+v", rep)
	}
	if got := lc.trace(); got != "setup,execute,shutdown" {
		t.Fatalf("unexpected call order %q", got)
	}

	tk := e.reload(t, bad)
	if tk.Fails() != 3 || tk.Running() || tk.IsCompleted() {
		t.Fatalf("unexpected state fails=%d running=%v completed=%v", tk.Fails(), tk.Running(), tk.IsCompleted())
	}
	if tk.Status() != task.StatusFailed || !hasLog(tk, "Runtime exception encountered: upstream exploded") {
		t.Fatalf("unexpected status %q logs %+v", tk.Status(), tk.Logs())
	}
	if !e.reload(t, good).IsCompleted() {
		t.Fatalf("expected second task completed")
	}
}

func TestSetupFailureLocksTask(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	lc := &lifecycle{
		setupErr: errors.New("missing credentials"),
		execute:  func(context.Context, *task.Task) error { return nil },
	}
	e.reg.MustRegister("job", lc)
	id := e.enqueue(t, "job")

	rep := run(t, e.runner(Config{}))
	if rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := lc.trace(); got != "setup,shutdown" {
		t.Fatalf("expected no iteration after failed setup, got %q", got)
	}
	tk := e.reload(t, id)
	if tk.Fails() != task.LockThreshold || tk.Running() || tk.Status() != task.StatusFailed {
		t.Fatalf("unexpected state fails=%d running=%v status=%q", tk.Fails(), tk.Running(), tk.Status())
	}
	if !hasLog(tk, "Runtime exception encountered: missing credentials") {
		t.Fatalf("missing failure log: %+v", tk.Logs())
	}
}

func TestShutdownFailureLocksTask(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		lc      *lifecycle
		wantLog string
	}{
		{"error", &lifecycle{shutdownErr: errors.New("flush failed")}, "Runtime exception encountered: flush failed"},
		{"panic", &lifecycle{shutdownPanic: "close of nil channel"}, "Runtime exception encountered: panic in shutdown: close of nil channel"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, 4)
			tc.lc.execute = func(_ context.Context, tk *task.Task) error {
				tk.Complete()
				return nil
			}
			e.reg.MustRegister("job", tc.lc)
			id := e.enqueue(t, "job")

			run(t, e.runner(Config{}))
			if got := tc.lc.trace(); got != "setup,execute,complete,shutdown" {
				t.Fatalf("unexpected call order %q", got)
			}
			tk := e.reload(t, id)
			if tk.Fails() != task.LockThreshold || tk.Running() || tk.Status() != task.StatusFailed {
				t.Fatalf("unexpected state fails=%d running=%v status=%q", tk.Fails(), tk.Running(), tk.Status())
			}
			if !hasLog(tk, tc.wantLog) {
				t.Fatalf("missing %q in logs %+v", tc.wantLog, tk.Logs())
			}
		})
	}
}

func TestRetryAfterReschedules(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	e.reg.MustRegister("flaky", task.HandlerFunc(func(context.Context, *task.Task) error {
		return task.RetryAfter(errors.New("503"), 30*time.Second)
	}))
	id := e.enqueue(t, "flaky")

	rep := run(t, e.runner(Config{}))
	if rep.Retried != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	tk := e.reload(t, id)
	if tk.Fails() != 1 || tk.Running() {
		t.Fatalf("unexpected state fails=%d running=%v", tk.Fails(), tk.Running())
	}
	if got := tk.NextStart().Sub(e.clk.Now()); got != 30*time.Second {
		t.Fatalf("expected next_start +30s, got +%s", got)
	}
	if tk.Status() != task.StatusQueued {
		t.Fatalf("unexpected status %q", tk.Status())
	}
}

func TestUnavailableAction(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	id := e.enqueue(t, "ghost")

	rep := run(t, e.runner(Config{}))
	if rep.Unavailable != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	tk := e.reload(t, id)
	if tk.Fails() != 3 || tk.Running() || tk.Status() != task.StatusUnavailable {
		t.Fatalf("unexpected state fails=%d running=%v status=%q", tk.Fails(), tk.Running(), tk.Status())
	}
	if !hasLog(tk, "Action callback not available for this task: ghost") {
		t.Fatalf("unexpected logs %+v", tk.Logs())
	}
}

func TestAbortLocksTask(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	lc := &lifecycle{execute: func(_ context.Context, tk *task.Task) error {
		tk.Abort()
		return nil
	}}
	e.reg.MustRegister("stop", lc)
	id := e.enqueue(t, "stop")

	rep := run(t, e.runner(Config{}))
	if rep.Aborted != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := lc.trace(); got != "setup,execute,abort,shutdown" {
		t.Fatalf("unexpected call order %q", got)
	}
	tk := e.reload(t, id)
	if tk.Fails() != 3 || tk.Running() || tk.Status() != task.StatusAborted || !hasLog(tk, "Task aborted.") {
		t.Fatalf("unexpected state fails=%d running=%v status=%q", tk.Fails(), tk.Running(), tk.Status())
	}
}

func TestSuspendClearsFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	e.reg.MustRegister("later", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		tk.RescheduleIn(time.Hour)
		return nil
	}))
	id := e.enqueue(t, "later")
	tk, _ := e.st.Load(context.Background(), id)
	tk.SetFails(2)
	if err := tk.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rep := run(t, e.runner(Config{}))
	if rep.Suspended != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got := e.reload(t, id)
	if got.Fails() != 0 || got.Running() || !hasLog(got, "Task suspended.") {
		t.Fatalf("unexpected state fails=%d running=%v", got.Fails(), got.Running())
	}
	if !got.NextStart().Equal(e.clk.Now().Add(time.Hour)) {
		t.Fatalf("unexpected next_start %v", got.NextStart())
	}
	if got.Status() != task.StatusQueued {
		t.Fatalf("unexpected status %q", got.Status())
	}
}

func TestFailInsideHandlerKeepsFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	e.reg.MustRegister("soft", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		tk.Fail(time.Time{})
		return nil
	}))
	id := e.enqueue(t, "soft")

	run(t, e.runner(Config{}))
	tk := e.reload(t, id)
	if tk.Fails() != 1 {
		t.Fatalf("expected fails=1 to survive suspension, got %d", tk.Fails())
	}
	if got := tk.NextStart().Sub(e.clk.Now()); got != task.DefaultFailBackoff {
		t.Fatalf("expected default backoff, got +%s", got)
	}
}

func TestPanicIsInterruption(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	lc := &lifecycle{execute: func(context.Context, *task.Task) error {
		panic("out of memory")
	}}
	e.reg.MustRegister("crash", lc)
	e.reg.MustRegister("fine", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		tk.Complete()
		return nil
	}))
	crash := e.enqueue(t, "crash", store.WithPriority(9))
	fine := e.enqueue(t, "fine")

	rep := run(t, e.runner(Config{}))
	if rep.Interrupted != 1 || rep.Completed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := lc.trace(); got != "setup,execute,shutdown" {
		t.Fatalf("unexpected call order %q", got)
	}

	tk := e.reload(t, crash)
	if tk.Fails() != 1 || tk.Running() || tk.Status() != task.StatusFailed {
		t.Fatalf("unexpected state fails=%d running=%v status=%q", tk.Fails(), tk.Running(), tk.Status())
	}
	if got := tk.NextStart().Sub(e.clk.Now()); got != 180*time.Second {
		t.Fatalf("expected next_start +180s, got +%s", got)
	}
	if !hasLog(tk, "Runtime error interruption.") || !hasLog(tk, "out of memory") {
		t.Fatalf("unexpected logs %+v", tk.Logs())
	}
	if !e.reload(t, fine).IsCompleted() {
		t.Fatalf("expected loop to continue after panic")
	}
}

func TestCancellationIsInterruption(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.reg.MustRegister("slow", task.HandlerFunc(func(ctx context.Context, _ *task.Task) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))
	id := e.enqueue(t, "slow")
	other := e.enqueue(t, "slow")

	rep, err := e.runner(Config{}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Interrupted != 1 || rep.Claimed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	tk := e.reload(t, id)
	if tk.Fails() != 1 || tk.Running() || tk.Status() != task.StatusFailed {
		t.Fatalf("unexpected state fails=%d running=%v status=%q", tk.Fails(), tk.Running(), tk.Status())
	}
	if o := e.reload(t, other); o.Running() || !o.LastStart().IsZero() {
		t.Fatalf("expected second task untouched after cancellation")
	}
}

func TestBudgetStopsBeforeClaim(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	e.reg.MustRegister("work", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		e.clk.Advance(30 * time.Second)
		tk.Complete()
		return nil
	}))
	ids := []int64{e.enqueue(t, "work"), e.enqueue(t, "work"), e.enqueue(t, "work")}

	rep := run(t, e.runner(Config{MaxExecutionTime: 60 * time.Second, SafetyMargin: 10 * time.Second}))
	if rep.Completed != 2 || rep.Claimed != 2 {
		t.Fatalf("expected two tasks within budget, report %+v", rep)
	}
	last := e.reload(t, ids[2])
	if last.Running() || last.IsCompleted() || !last.LastStart().IsZero() {
		t.Fatalf("third task must stay unclaimed")
	}
}

func TestBudgetStopsIterations(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	var calls atomic.Int64
	e.reg.MustRegister("tick", task.HandlerFunc(func(context.Context, *task.Task) error {
		calls.Add(1)
		e.clk.Advance(20 * time.Second)
		return nil
	}))
	id := e.enqueue(t, "tick")

	rep := run(t, e.runner(Config{MaxExecutionTime: 60 * time.Second, SafetyMargin: 10 * time.Second}))
	if calls.Load() != 3 {
		t.Fatalf("expected 3 iterations within 50s, got %d", calls.Load())
	}
	if rep.Suspended != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if tk := e.reload(t, id); tk.Running() || tk.Fails() != 0 {
		t.Fatalf("expected suspended task released")
	}
}

func TestBudget(t *testing.T) {
	t.Parallel()

	base := Config{MaxConcurrentRunners: 4, MaxExecutionTime: 60 * time.Second, WorkerSlice: 60 * time.Second}
	cases := []struct {
		name   string
		extend bool
		host   time.Duration
		want   time.Duration
	}{
		{"default", false, 0, 60 * time.Second},
		{"extended", true, 0, 240 * time.Second},
		{"host caps extension", true, 90 * time.Second, 90 * time.Second},
		{"host caps default", false, 30 * time.Second, 30 * time.Second},
	}
	for _, tc := range cases {
		cfg := base
		cfg.ExtendTimeLimit = tc.extend
		if got := cfg.withDefaults().Budget(tc.host); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestWorkersRespectCeiling(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 2)
	var cur, peak atomic.Int64
	e.reg.MustRegister("job", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		tk.Complete()
		return nil
	}))
	for i := 0; i < 6; i++ {
		e.enqueue(t, "job")
	}

	rep := run(t, e.runner(Config{Workers: 3, MaxConcurrentRunners: 2}))
	if rep.Completed != 6 {
		t.Fatalf("expected all tasks completed, report %+v", rep)
	}
	if peak.Load() > 2 {
		t.Fatalf("ceiling exceeded: %d concurrent executions", peak.Load())
	}
	if n, _ := e.st.CountTasks(context.Background(), 1, store.Match{}, store.StatusCompleted); n != 6 {
		t.Fatalf("expected 6 completed rows, got %d", n)
	}
}

func TestWorkerContextsReleasedAfterRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 2)
	var mu sync.Mutex
	var seen []context.Context
	e.reg.MustRegister("job", task.HandlerFunc(func(ctx context.Context, tk *task.Task) error {
		mu.Lock()
		seen = append(seen, ctx)
		mu.Unlock()
		tk.Complete()
		return nil
	}))
	for i := 0; i < 3; i++ {
		e.enqueue(t, "job")
	}

	rep := run(t, e.runner(Config{Workers: 2, MaxConcurrentRunners: 2}))
	if rep.Completed != 3 {
		t.Fatalf("expected all tasks completed, report %+v", rep)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(seen))
	}
	for i, ctx := range seen {
		if ctx.Err() == nil {
			t.Fatalf("execution %d context still live after Run returned", i)
		}
	}
}

func TestMaintenanceRunsAtEntry(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	e.reg.MustRegister("job", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		tk.Complete()
		return nil
	}))
	id := e.enqueue(t, "job")
	tk, _ := e.st.Load(context.Background(), id)
	tk.BeginRun(e.clk.Now().Add(-10 * time.Minute))
	if err := tk.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	e.st.Cache().Reset()

	sw := sweeper.New(e.st, sweeper.Config{MaxExecutionTime: time.Minute, Retention: sweeper.KeepForever, Now: e.clk.Now}, logx.Nop())
	r := New(e.st, e.reg, sw, Config{Now: e.clk.Now}, logx.Nop(), nil)
	rep := run(t, r)
	if rep.Maintenance.Reclaimed != 1 || rep.Completed != 1 {
		t.Fatalf("expected stale task reclaimed then run, report %+v", rep)
	}
	if got := e.reload(t, id); got.Fails() != 0 || !got.IsCompleted() {
		t.Fatalf("unexpected state fails=%d completed=%v", got.Fails(), got.IsCompleted())
	}
}

func TestHungClaimIsSuperseded(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	entered := make(chan *task.Task, 2)
	unblock := make(chan struct{})
	var calls atomic.Int32
	e.reg.MustRegister("slow", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		n := calls.Add(1)
		entered <- tk
		if n == 1 {
			<-unblock // ignores ctx
		}
		tk.Complete()
		return nil
	}))
	id := e.enqueue(t, "slow")

	doneA := make(chan Report, 1)
	go func() {
		rep, _ := e.runner(Config{}).Run(context.Background())
		doneA <- rep
	}()
	hung := <-entered

	// Past the staleness limit: the next invocation reclaims and reruns it.
	e.clk.Advance(2 * time.Minute)
	sw := sweeper.New(e.st, sweeper.Config{MaxExecutionTime: time.Minute, Retention: sweeper.KeepForever, Now: e.clk.Now}, logx.Nop())
	repB := run(t, New(e.st, e.reg, sw, Config{Now: e.clk.Now}, logx.Nop(), nil))
	if repB.Maintenance.Reclaimed != 1 || repB.Claimed != 1 || repB.Completed != 1 {
		t.Fatalf("unexpected second report %+v", repB)
	}
	if second := <-entered; second == hung {
		t.Fatalf("second claim ran on the hung claim's instance")
	}

	close(unblock)
	var repA Report
	select {
	case repA = <-doneA:
	case <-time.After(5 * time.Second):
		t.Fatalf("hung invocation did not return")
	}
	if repA.Superseded != 1 || repA.Completed != 0 {
		t.Fatalf("unexpected first report %+v", repA)
	}

	tk := e.reload(t, id)
	if !tk.IsCompleted() || tk.Running() || tk.Fails() != 0 {
		t.Fatalf("unexpected state completed=%v running=%v fails=%d", tk.IsCompleted(), tk.Running(), tk.Fails())
	}
	n := 0
	for _, l := range tk.Logs() {
		if strings.Contains(l.Message, "Task Complete.") {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected one completion logged, got %d", n)
	}
	if live := e.st.Claimed(); live != 0 {
		t.Fatalf("expected no live claims, got %d", live)
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 4)
	ch, unsub := e.bus.Subscribe(16, "task.")
	defer unsub()
	e.reg.MustRegister("job", task.HandlerFunc(func(_ context.Context, tk *task.Task) error {
		tk.Complete()
		return nil
	}))
	id := e.enqueue(t, "job")

	rep := run(t, e.runner(Config{}))

	var types []string
	for len(ch) > 0 {
		ev := <-ch
		types = append(types, ev.Type)
		data, ok := ev.Data.(TaskEvent)
		if !ok || data.ID != id || data.RunID != rep.RunID {
			t.Fatalf("unexpected event data %+v", ev.Data)
		}
	}
	if strings.Join(types, ",") != EventClaimed+","+EventCompleted {
		t.Fatalf("unexpected events %v", types)
	}
}
