package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

const maxActionLen = 56

// Store is the task table access layer. It implements task.Persister.
type Store struct {
	db      *sql.DB
	d       dialect
	table   string
	scope   int64
	maxRun  atomic.Int32
	cache   *Cache
	now     func() time.Time
	log     logx.Logger
	closed  atomic.Bool
	selectQ string
	claims  claims
}

// Open connects to the configured database and creates the table if needed.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = DefaultTable
	}
	if !validTable(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}
	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", d.name, err)
	}
	if d.name == "sqlite" {
		// One connection per process; other processes wait on busy_timeout.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := newStore(db, d, table, cfg, log)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug("store opened", logx.String("driver", d.name), logx.String("table", table))
	return s, nil
}

func newStore(db *sql.DB, d dialect, table string, cfg Config, log logx.Logger) *Store {
	s := &Store{
		db:     db,
		d:      d,
		table:  table,
		scope:  cfg.Scope,
		cache:  cfg.Cache,
		now:    cfg.Now,
		log:    log.With(logx.String("comp", "store")),
		claims: claims{live: map[int64]uint64{}},
	}
	if s.scope == 0 {
		s.scope = 1
	}
	s.SetMaxRunners(cfg.MaxConcurrentRunners)
	if s.cache == nil {
		s.cache = NewCache()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.selectQ = "SELECT " + strings.Join(task.Columns, ", ") + " FROM " + table
	return s
}

func (s *Store) migrate(ctx context.Context) error {
	stmts, err := s.d.statements(s.table)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Cache() *Cache   { return s.cache }
func (s *Store) Scope() int64    { return s.scope }
func (s *Store) Driver() string  { return s.d.name }
func (s *Store) MaxRunners() int { return int(s.maxRun.Load()) }
func (s *Store) Now() time.Time  { return s.now() }

// SetMaxRunners changes the running ceiling used by later claims. 0 disables it.
func (s *Store) SetMaxRunners(n int) { s.maxRun.Store(int32(max(n, 0))) }

func (s *Store) q(query string) string { return s.d.rebind(query) }

func (s *Store) check() error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Enqueue inserts a new task and returns its cached instance.
func (s *Store) Enqueue(ctx context.Context, action string, data map[string]any, opts ...EnqueueOption) (*task.Task, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", task.ErrValidation)
	}
	if utf8.RuneCountInString(action) > maxActionLen {
		return nil, fmt.Errorf("%w: action longer than %d characters", task.ErrValidation, maxActionLen)
	}

	o := enqueueOptions{priority: task.DefaultPriority, scope: s.scope}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	t := task.New(action)
	t.Bind(s, s.now)
	for k, v := range data {
		t.Set(k, v)
	}
	t.SetPriority(o.priority)
	t.SetScope(o.scope)
	if o.tag != "" {
		t.SetTag(o.tag)
	}
	switch {
	case o.delay > 0:
		t.SetNextStart(s.now().Add(o.delay))
	case !o.nextStart.IsZero():
		t.SetNextStart(o.nextStart)
	}
	t.SetStatus(task.StatusQueued)
	t.AppendLog("Task queued.")

	if err := s.Save(ctx, t); err != nil {
		return nil, err
	}
	s.log.Debug("task queued",
		logx.Int64("id", t.ID()),
		logx.String("action", action),
		logx.Int("priority", o.priority),
		logx.Int64("scope", o.scope),
	)
	return t, nil
}

// Save implements task.Persister: new tasks are inserted, loaded tasks get
// an UPDATE of their dirty columns only. Saves of a claimed instance are
// checked against the live claim; a superseded claim's changes are discarded
// with task.ErrSuperseded.
func (s *Store) Save(ctx context.Context, t *task.Task) error {
	if err := s.check(); err != nil {
		return err
	}
	if t.IsNew() {
		return s.insert(ctx, t)
	}
	if t.Claim() == 0 {
		return s.update(ctx, t)
	}
	if !t.Dirty() {
		return nil
	}

	s.claims.mu.Lock()
	defer s.claims.mu.Unlock()
	if s.claims.live[t.ID()] != t.Claim() {
		_, _ = t.TakeChanges()
		return fmt.Errorf("%w: task %d", task.ErrSuperseded, t.ID())
	}
	if err := s.update(ctx, t); err != nil {
		return err
	}
	if !t.Running() {
		s.releaseLocked(t)
		if t.IsCompleted() || t.Fails() >= task.LockThreshold {
			// Terminal rows leave the cache.
			s.cache.Evict(t)
		}
	}
	return nil
}

func (s *Store) update(ctx context.Context, t *task.Task) error {
	ch, err := t.TakeChanges()
	if err != nil {
		return err
	}
	if ch.Empty() {
		return nil
	}
	sets := make([]string, len(ch.Columns))
	for i, c := range ch.Columns {
		sets[i] = c + " = ?"
	}
	args := append(ch.Values, t.ID())
	q := "UPDATE " + s.table + " SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, s.q(q), args...); err != nil {
		t.Restore(ch)
		return fmt.Errorf("store: save task %d: %w", t.ID(), err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, t *task.Task) error {
	ch, err := t.TakeChanges()
	if err != nil {
		return err
	}
	rec, err := t.Record()
	if err != nil {
		t.Restore(ch)
		return err
	}
	cols := task.Columns[1:]
	q := "INSERT INTO " + s.table + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ") RETURNING id"
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(q),
		rec.Action, string(rec.Data), rec.Priority, rec.NextStart, boolInt(rec.Running),
		rec.LastStart, rec.LastIteration, rec.Tag, rec.Fails, rec.Completed, rec.Scope,
	).Scan(&id)
	if err != nil {
		t.Restore(ch)
		return fmt.Errorf("store: insert task: %w", err)
	}
	t.SetID(id)
	s.cache.PutIfAbsent(t)
	return nil
}

// Load returns the cached instance for id, or reads it.
func (s *Store) Load(ctx context.Context, id int64) (*task.Task, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if t, ok := s.cache.Get(id); ok {
		return t, nil
	}
	row := s.db.QueryRowContext(ctx, s.q(s.selectQ+" WHERE id = ?"), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load task %d: %w", id, err)
	}
	return s.adopt(rec)
}

// LoadMany returns the tasks matching q. Cached instances are refreshed
// from the row, keeping their unsaved changes.
func (s *Store) LoadMany(ctx context.Context, q Query) ([]*task.Task, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	where, args, err := q.Filter.where()
	if err != nil {
		return nil, err
	}
	order, err := q.Order.sql()
	if err != nil {
		return nil, err
	}
	query := s.selectQ + where + order
	switch {
	case q.Limit > 0:
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	case q.Offset > 0:
		query += s.d.offsetOnly
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: load tasks: %w", err)
	}
	var recs []task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make([]*task.Task, 0, len(recs))
	for _, rec := range recs {
		t, err := s.adopt(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Count returns the number of rows matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM "+s.table+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count tasks: %w", err)
	}
	return n, nil
}

// DeleteMany removes rows matching f and evicts them from the cache.
// An empty filter is rejected.
func (s *Store) DeleteMany(ctx context.Context, f Filter) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, fmt.Errorf("%w: refusing to delete without a filter", ErrBadFilter)
	}
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	return s.deleteWhere(ctx, where, args)
}

// Delete removes one task.
func (s *Store) Delete(ctx context.Context, id int64) error {
	n, err := s.DeleteMany(ctx, Filter{Eq(task.ColumnID, id)})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", task.ErrNotFound, id)
	}
	return nil
}

// deleteWhere selects the ids and deletes them in one transaction so the
// evicted cache entries match the deleted rows.
func (s *Store) deleteWhere(ctx context.Context, where string, args []any) (n int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, s.q("SELECT id FROM "+s.table+where), args...)
	if err != nil {
		return 0, fmt.Errorf("store: select for delete: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()
	if len(ids) == 0 {
		err = tx.Commit()
		return 0, err
	}

	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id
	}
	inSQL, _ := In(task.ColumnID, idArgs...).sql()
	res, err := tx.ExecContext(ctx, s.q("DELETE FROM "+s.table+" WHERE "+inSQL), idArgs...)
	if err != nil {
		return 0, fmt.Errorf("store: delete: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit delete: %w", err)
	}
	s.cache.Flush(ids...)
	s.claims.mu.Lock()
	for _, id := range ids {
		delete(s.claims.live, id)
	}
	s.claims.mu.Unlock()
	n, _ = res.RowsAffected()
	return n, nil
}

// Flush evicts cached instances so the next Load reads the row again.
func (s *Store) Flush(ids ...int64) { s.cache.Flush(ids...) }

func (s *Store) adopt(rec task.Record) (*task.Task, error) {
	if t, ok := s.cache.Get(rec.ID); ok {
		if err := t.Refresh(rec); err != nil {
			return nil, err
		}
		return t, nil
	}
	t, err := task.FromRecord(rec)
	if err != nil {
		return nil, err
	}
	t.Bind(s, s.now)
	if cur := s.cache.PutIfAbsent(t); cur != t {
		if err := cur.Refresh(rec); err != nil {
			return nil, err
		}
		return cur, nil
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (task.Record, error) {
	var (
		rec     task.Record
		data    sql.NullString
		tag     sql.NullString
		running int64
	)
	err := r.Scan(
		&rec.ID, &rec.Action, &data, &rec.Priority, &rec.NextStart, &running,
		&rec.LastStart, &rec.LastIteration, &tag, &rec.Fails, &rec.Completed, &rec.Scope,
	)
	if err != nil {
		return task.Record{}, err
	}
	rec.Data = []byte(data.String)
	rec.Tag = tag.String
	rec.Running = running != 0
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
