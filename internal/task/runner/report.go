package runner

import (
	"time"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/task"
	"taskrunner/internal/task/sweeper"
)

// Event types published on the bus.
const (
	EventClaimed     = "task.claimed"
	EventCompleted   = "task.completed"
	EventSuspended   = "task.suspended"
	EventFailed      = "task.failed"
	EventAborted     = "task.aborted"
	EventUnavailable = "task.unavailable"
	EventBreaker     = "task.breaker"
	EventInterrupted = "task.interrupted"
	EventSuperseded  = "task.superseded"
)

// Report summarizes one invocation.
type Report struct {
	RunID   string        `json:"run_id"`
	Started time.Time     `json:"started"`
	Budget  time.Duration `json:"budget"`
	Elapsed time.Duration `json:"elapsed"`

	Claimed     int `json:"claimed"`
	Completed   int `json:"completed"`
	Suspended   int `json:"suspended"`
	Failed      int `json:"failed"`
	Retried     int `json:"retried"`
	Aborted     int `json:"aborted"`
	Unavailable int `json:"unavailable"`
	Interrupted int `json:"interrupted"`
	Breakers    int `json:"breakers"`
	Superseded  int `json:"superseded"`

	Maintenance sweeper.Result `json:"maintenance"`
}

// TaskEvent is the Data of task.* events.
type TaskEvent struct {
	RunID     string    `json:"run_id"`
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Fails     int       `json:"fails"`
	NextStart time.Time `json:"next_start,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (r *Runner) publish(typ string, inv *invocation, t *task.Task, err error) {
	if r.bus == nil {
		return
	}
	ev := TaskEvent{
		RunID:     inv.id,
		ID:        t.ID(),
		Action:    t.Action(),
		Fails:     t.Fails(),
		NextStart: t.NextStart(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: inv.now(), Data: ev})
}
