package store

import (
	"context"

	"taskrunner/internal/task"
)

// Match narrows CountTasks and DeleteTasks to an action and/or tag.
type Match struct {
	Action string
	Tag    string
}

func (m Match) filter(scope int64) Filter {
	f := Filter{Eq(task.ColumnScope, scope)}
	if m.Action != "" {
		f = append(f, Eq(task.ColumnAction, m.Action))
	}
	if m.Tag != "" {
		f = append(f, Eq(task.ColumnTag, m.Tag))
	}
	return f
}

// CountTasks counts tasks of scope in a status group (see StatusFilter).
func (s *Store) CountTasks(ctx context.Context, scope int64, m Match, status string) (int, error) {
	sf, err := StatusFilter(status)
	if err != nil {
		return 0, err
	}
	return s.Count(ctx, append(m.filter(scope), sf...))
}

// DeleteTasks removes tasks of scope that have not completed and are not
// running. Running and finished tasks are left alone.
func (s *Store) DeleteTasks(ctx context.Context, scope int64, m Match) (int64, error) {
	f := append(m.filter(scope),
		Eq(task.ColumnCompleted, 0),
		Eq(task.ColumnRunning, 0),
	)
	return s.DeleteMany(ctx, f)
}

// Unlock resets the fails counter of a locked task.
func (s *Store) Unlock(ctx context.Context, id int64) (*task.Task, error) {
	t, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.Unlock(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// RunNext makes a pending task the next one claimed.
func (s *Store) RunNext(ctx context.Context, id int64) (*task.Task, error) {
	t, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.RunNext(ctx); err != nil {
		return nil, err
	}
	return t, nil
}
