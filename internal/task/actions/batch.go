package actions

import (
	"context"
	"fmt"
	"time"

	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

const defaultChunk = 10

// Batch works through data["items"] units, data["chunk"] per iteration
// (default 10), keeping its cursor in data["processed"] so a suspended run
// resumes where it stopped. data["pause"] (a Go duration) spaces the
// iterations out by rescheduling the task between them.
type Batch struct {
	log logx.Logger
}

func (b *Batch) Setup(_ context.Context, t *task.Task) error {
	items, ok := t.GetInt("items")
	if !ok || items < 0 {
		return fmt.Errorf("%w: batch needs a non-negative integer \"items\"", task.ErrValidation)
	}
	if _, ok := t.GetInt("processed"); !ok {
		t.Set("processed", 0)
	}
	return nil
}

func (b *Batch) Execute(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	items, _ := t.GetInt("items")
	done, _ := t.GetInt("processed")
	chunk, ok := t.GetInt("chunk")
	if !ok || chunk <= 0 {
		chunk = defaultChunk
	}

	done = min(done+chunk, items)
	t.Set("processed", done)
	if done >= items {
		t.Complete()
		return nil
	}
	if raw := t.GetString("pause"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: invalid pause %q", task.ErrValidation, raw)
		}
		t.RescheduleIn(d)
	}
	return nil
}

func (b *Batch) Shutdown(_ context.Context, t *task.Task) error {
	items, _ := t.GetInt("items")
	done, _ := t.GetInt("processed")
	t.AppendLog(fmt.Sprintf("Processed %d/%d.", done, items))
	b.log.Debug("batch progress", logx.Int64("task", t.ID()), logx.Int("processed", done), logx.Int("items", items))
	return nil
}

func (b *Batch) OnComplete(_ context.Context, t *task.Task) error {
	b.log.Info("batch finished", logx.Int64("task", t.ID()), logx.Duration("took", time.Since(t.LastStart())))
	return nil
}

func (b *Batch) Title(t *task.Task) string {
	items, _ := t.GetInt("items")
	return fmt.Sprintf("Batch of %d", items)
}
