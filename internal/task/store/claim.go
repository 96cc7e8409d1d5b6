package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

// ClaimNext reserves the next eligible task of scope and returns it with
// running=1. It returns (nil, nil) when nothing is eligible or the scope
// already has MaxConcurrentRunners tasks running.
//
// The running count, the locked select and the update share one transaction.
// On sqlite the transaction begins IMMEDIATE and holds the database write
// lock; on postgres a transaction-scoped advisory lock on the scope
// serializes the count and the selected row is locked FOR UPDATE.
func (s *Store) ClaimNext(ctx context.Context, scope int64) (t *task.Task, err error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: claim begin: %w", err)
	}
	defer func() {
		if err != nil || t == nil {
			_ = tx.Rollback()
		}
	}()

	if s.d.scopeLock != "" {
		if _, err = tx.ExecContext(ctx, s.q(s.d.scopeLock), scope); err != nil {
			return nil, fmt.Errorf("store: claim scope lock: %w", err)
		}
	}

	if maxRun := s.MaxRunners(); maxRun > 0 {
		var running int
		err = tx.QueryRowContext(ctx,
			s.q("SELECT COUNT(*) FROM "+s.table+" WHERE scope = ? AND running = 1"),
			scope,
		).Scan(&running)
		if err != nil {
			return nil, fmt.Errorf("store: claim count running: %w", err)
		}
		if running >= maxRun {
			s.log.Debug("runner ceiling reached", logx.Int64("scope", scope), logx.Int("running", running))
			return nil, nil
		}
	}

	order, _ := ClaimOrder.sql()
	q := s.selectQ +
		" WHERE scope = ? AND completed = 0 AND running = 0 AND next_start <= ? AND fails < ?" +
		order + " LIMIT 1" + s.d.lockSuffix
	rec, err := scanRecord(tx.QueryRowContext(ctx, s.q(q), scope, s.now().Unix(), task.LockThreshold))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim select: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.q("UPDATE "+s.table+" SET running = 1 WHERE id = ? AND running = 0"), rec.ID)
	if err != nil {
		return nil, fmt.Errorf("store: claim update: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: claim commit: %w", err)
	}

	rec.Running = true
	claimed, err := s.hold(rec)
	if err != nil {
		return nil, err
	}
	s.log.Debug("task claimed",
		logx.Int64("id", rec.ID),
		logx.String("action", rec.Action),
		logx.Int("priority", rec.Priority),
	)
	return claimed, nil
}
