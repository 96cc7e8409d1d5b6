// Package actions holds the built-in handlers registered by the binary.
package actions

import (
	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

const (
	ActionEcho  = "echo"
	ActionBatch = "batch"
)

// Register adds the built-in actions to reg.
func Register(reg *task.Registry, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	if _, err := reg.Register(ActionEcho, Echo{log: log.With(logx.String("action", ActionEcho))}); err != nil {
		return err
	}
	if _, err := reg.Register(ActionBatch, &Batch{log: log.With(logx.String("action", ActionBatch))}); err != nil {
		return err
	}
	return nil
}
