package actions

import (
	"context"
	"strings"

	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

// Echo copies data["message"] into the task log and completes in one
// iteration. data["prefix"] is prepended when set.
type Echo struct {
	log logx.Logger
}

func (e Echo) Execute(_ context.Context, t *task.Task) error {
	msg := strings.TrimSpace(t.GetString("message"))
	if msg == "" {
		msg = "(empty)"
	}
	if p := t.GetString("prefix"); p != "" {
		msg = p + msg
	}
	t.AppendLog(msg)
	e.log.Info("echo", logx.Int64("task", t.ID()), logx.String("message", msg))
	t.Complete()
	return nil
}
