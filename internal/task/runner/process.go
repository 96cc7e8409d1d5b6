package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

type outcome int

const (
	outcomeSuspended outcome = iota
	outcomeCompleted
	outcomeAborted
	outcomeFailed
	outcomeRetry
	outcomeInterrupted
	outcomeSuperseded
)

// process runs one claimed task to a terminal save.
func (r *Runner) process(ctx context.Context, inv *invocation, t *task.Task) {
	inv.track(t)
	inv.count(func(rep *Report) { rep.Claimed++ })

	log := r.log.With(
		logx.String("run", inv.id),
		logx.Int64("task", t.ID()),
		logx.String("action", t.Action()),
	)

	t.BeginRun(inv.now())
	t.SetStatus(task.StatusRunning)
	r.save(ctx, t, log)
	r.publish(EventClaimed, inv, t, nil)

	h, ok := r.reg.Resolve(t.Action())
	if !ok {
		t.SetStatus(task.StatusUnavailable)
		t.SetRunning(false)
		t.SetFails(task.LockThreshold)
		t.AppendLog("Action callback not available for this task: " + t.Action())
		r.save(ctx, t, log)
		log.Warn("task action unavailable")
		inv.count(func(rep *Report) { rep.Unavailable++ })
		r.publish(EventUnavailable, inv, t, task.ErrUnavailable)
		inv.release(t)
		return
	}

	out := r.runClaim(ctx, inv, t, h, log)
	if out != outcomeSuperseded {
		r.shutdown(ctx, t, h, log)
	}
	inv.release(t)

	inv.count(func(rep *Report) {
		switch out {
		case outcomeCompleted:
			rep.Completed++
		case outcomeAborted:
			rep.Aborted++
		case outcomeFailed:
			rep.Failed++
		case outcomeRetry:
			rep.Retried++
		case outcomeInterrupted:
			rep.Interrupted++
		case outcomeSuperseded:
			rep.Superseded++
		default:
			rep.Suspended++
		}
	})
}

// runClaim executes setup and the iteration loop, then writes the terminal
// state. A panic anywhere in between is handled as an interruption.
func (r *Runner) runClaim(ctx context.Context, inv *invocation, t *task.Task, h task.Handler, log logx.Logger) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("task panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			out = r.interrupt(ctx, inv, t, log, fmt.Errorf("panic: %v", p))
		}
	}()

	if sh, ok := h.(task.SetupHandler); ok {
		err := sh.Setup(ctx, t)
		if t.Superseded() {
			return r.superseded(inv, t, log)
		}
		if err != nil {
			return r.failed(ctx, inv, t, log, err)
		}
	}

	cfg := inv.cfg
	for !t.IsCompleted() && !t.Aborted() && !inv.now().Before(t.NextStart()) && inv.hasTime() && ctx.Err() == nil {
		t.IncBreaker()
		err := h.Execute(ctx, t)
		if t.Superseded() {
			return r.superseded(inv, t, log)
		}
		t.SetLastIteration(inv.now())
		if err != nil {
			return r.failed(ctx, inv, t, log, err)
		}
		r.save(ctx, t, log)

		if n := t.Breaker(); n >= cfg.BreakerLimit {
			t.SetFails(t.Fails() + 1)
			t.SetFailover()
			t.SetNextStart(inv.now().Add(cfg.FailoverDelay))
			r.logTask(ctx, t, log, fmt.Sprintf("Circuit breaker switched after %d iterations. Call ResetBreaker in the handler to circumvent.", n))
			log.Warn("circuit breaker tripped", logx.Int("iterations", n), logx.Int("fails", t.Fails()))
			inv.count(func(rep *Report) { rep.Breakers++ })
			r.publish(EventBreaker, inv, t, nil)
		}
	}

	switch {
	case t.Aborted():
		t.SetStatus(task.StatusAborted)
		t.AppendLog("Task aborted.")
		t.SetRunning(false)
		t.SetFails(task.LockThreshold)
		r.save(ctx, t, log)
		log.Info("task aborted")
		r.publish(EventAborted, inv, t, nil)
		if ah, ok := h.(task.AbortHandler); ok {
			r.hook(ctx, t, log, "abort", ah.OnAbort)
		}
		return outcomeAborted

	case t.IsCompleted():
		t.SetStatus(task.StatusCompleted)
		t.AppendLog("Task Complete.")
		r.settle(ctx, t, log)
		log.Info("task completed", logx.Int("iterations", t.Breaker()))
		r.publish(EventCompleted, inv, t, nil)
		if ch, ok := h.(task.CompleteHandler); ok {
			r.hook(ctx, t, log, "complete", ch.OnComplete)
		}
		return outcomeCompleted

	default:
		if t.Status() == task.StatusRunning {
			t.SetStatus(task.StatusQueued)
		}
		t.AppendLog("Task suspended.")
		r.settle(ctx, t, log)
		log.Debug("task suspended", logx.Time("next_start", t.NextStart()))
		r.publish(EventSuspended, inv, t, nil)
		return outcomeSuspended
	}
}

// superseded gives up a claim that a newer claim on the same row took over
// while Setup or Execute was still running. Nothing more is saved.
func (r *Runner) superseded(inv *invocation, t *task.Task, log logx.Logger) outcome {
	log.Warn("task claim superseded; dropping its results")
	r.publish(EventSuperseded, inv, t, task.ErrSuperseded)
	return outcomeSuperseded
}

// settle clears fails unless this claim recorded a failure, and releases the claim.
func (r *Runner) settle(ctx context.Context, t *task.Task, log logx.Logger) {
	if !t.Failover() {
		t.SetFails(0)
	}
	t.SetRunning(false)
	r.save(ctx, t, log)
}

// failed handles an error returned by Setup or Execute.
func (r *Runner) failed(ctx context.Context, inv *invocation, t *task.Task, log logx.Logger, err error) outcome {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return r.interrupt(ctx, inv, t, log, err)
	}
	if d, ok := task.AsRetryAfter(err); ok {
		t.Fail(inv.now().Add(d))
		if t.Status() == task.StatusRunning {
			t.SetStatus(task.StatusQueued)
		}
		t.AppendLog("Task failed, retrying: " + err.Error())
		t.SetRunning(false)
		r.save(ctx, t, log)
		log.Warn("task failed, retry scheduled", logx.Err(err), logx.Duration("after", d), logx.Int("fails", t.Fails()))
		r.publish(EventFailed, inv, t, err)
		return outcomeRetry
	}

	t.SetRunning(false)
	t.SetFails(task.LockThreshold)
	t.SetStatus(task.StatusFailed)
	t.AppendLog("Runtime exception encountered: " + err.Error())
	r.save(ctx, t, log)
	log.Warn("task failed", logx.Err(err))
	r.publish(EventFailed, inv, t, err)
	return outcomeFailed
}

// interrupt records an abnormal end of a claim: fails+1, rescheduled after
// the failover delay, released and marked Failed.
func (r *Runner) interrupt(ctx context.Context, inv *invocation, t *task.Task, log logx.Logger, cause error) outcome {
	if log.IsZero() {
		log = r.log.With(logx.String("run", inv.id), logx.Int64("task", t.ID()))
	}
	t.AppendLog("Runtime error interruption.")
	if cause != nil {
		t.AppendLog(cause.Error())
	}
	t.SetFails(t.Fails() + 1)
	t.SetNextStart(inv.now().Add(inv.cfg.FailoverDelay))
	t.SetRunning(false)
	t.SetStatus(task.StatusFailed)
	r.save(ctx, t, log)
	log.Error("task interrupted", logx.Err(cause), logx.Int("fails", t.Fails()))
	r.publish(EventInterrupted, inv, t, cause)
	return outcomeInterrupted
}

// shutdown calls the handler's Shutdown hook and saves what it changed. A
// failure there is treated like an execution failure.
func (r *Runner) shutdown(ctx context.Context, t *task.Task, h task.Handler, log logx.Logger) {
	sh, ok := h.(task.ShutdownHandler)
	if !ok {
		return
	}
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Error("task shutdown panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic in shutdown: %v", p)
			}
		}()
		return sh.Shutdown(context.WithoutCancel(ctx), t)
	}()
	if err == nil {
		if t.Dirty() {
			r.save(ctx, t, log)
		}
		return
	}
	t.SetRunning(false)
	t.SetFails(task.LockThreshold)
	t.SetStatus(task.StatusFailed)
	t.AppendLog("Runtime exception encountered: " + err.Error())
	r.save(ctx, t, log)
	log.Warn("task shutdown failed", logx.Err(err))
}

func (r *Runner) hook(ctx context.Context, t *task.Task, log logx.Logger, name string, fn func(context.Context, *task.Task) error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("task hook panicked", logx.String("hook", name), logx.Any("panic", p))
		}
	}()
	if err := fn(context.WithoutCancel(ctx), t); err != nil {
		log.Warn("task hook failed", logx.String("hook", name), logx.Err(err))
	}
}

// save persists pending changes. Terminal saves must land even when the
// invocation is being cancelled.
func (r *Runner) save(ctx context.Context, t *task.Task, log logx.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalSaveTimeout)
	defer cancel()
	switch err := t.Save(sctx); {
	case err == nil:
	case errors.Is(err, task.ErrSuperseded):
		log.Warn("task change dropped, claim superseded", logx.Err(err))
	default:
		log.Error("task save failed", logx.Err(err))
	}
}

func (r *Runner) logTask(ctx context.Context, t *task.Task, log logx.Logger, msg string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalSaveTimeout)
	defer cancel()
	if err := t.Log(sctx, msg); err != nil {
		log.Error("task log failed", logx.Err(err))
	}
}
