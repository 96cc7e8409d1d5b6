package store

import (
	"context"
	"fmt"
	"time"

	"taskrunner/internal/task"
)

// ReclaimStale releases tasks of scope still marked running whose last
// iteration is older than before, counting the lost run as a failure.
func (s *Store) ReclaimStale(ctx context.Context, scope int64, before time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE "+s.table+" SET running = 0, fails = fails + 1 WHERE scope = ? AND running = 1 AND last_iteration < ?"),
		scope, before.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: reclaim stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneCompleted deletes tasks of scope completed before the given time.
func (s *Store) PruneCompleted(ctx context.Context, scope int64, before time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	where, args, err := Filter{
		Eq(task.ColumnScope, scope),
		Gt(task.ColumnCompleted, 0),
		Lt(task.ColumnCompleted, before.Unix()),
	}.where()
	if err != nil {
		return 0, err
	}
	return s.deleteWhere(ctx, where, args)
}
