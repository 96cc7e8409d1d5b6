package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskrunner/internal/task"
)

var (
	ErrClosed        = errors.New("store: closed")
	ErrUnknownDriver = errors.New("store: unknown driver")
	ErrBadOrder      = errors.New("store: invalid order")
	ErrBadFilter     = errors.New("store: invalid filter")
)

const DefaultTable = "queued_tasks"

// Config configures a Store.
//
// Driver values:
//   - "sqlite": database file at Path
//   - "postgres": connection string in DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	Table       string

	// Scope is used by Enqueue when no WithScope option is given.
	Scope int64

	// MaxConcurrentRunners caps running tasks per scope in ClaimNext.
	// 0 disables the ceiling.
	MaxConcurrentRunners int

	// Cache is the identity cache. Nil means a private cache.
	Cache *Cache
	Now   func() time.Time
}

// Clause is one parameterized predicate. Clauses in a Filter are joined with AND.
type Clause struct {
	col  string
	op   string
	args []any
}

// Filter is a conjunction of clauses.
type Filter []Clause

var clauseOps = map[string]bool{"=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true}

func cmp(col, op string, v any) Clause { return Clause{col: col, op: op, args: []any{v}} }

func Eq(col string, v any) Clause { return cmp(col, "=", v) }
func Ne(col string, v any) Clause { return cmp(col, "<>", v) }
func Lt(col string, v any) Clause { return cmp(col, "<", v) }
func Le(col string, v any) Clause { return cmp(col, "<=", v) }
func Gt(col string, v any) Clause { return cmp(col, ">", v) }
func Ge(col string, v any) Clause { return cmp(col, ">=", v) }

// In matches any of vs. An empty list matches nothing.
func In(col string, vs ...any) Clause { return Clause{col: col, op: "IN", args: vs} }

// sql renders the clause with ? placeholders.
func (c Clause) sql() (string, error) {
	if !knownColumn(c.col) {
		return "", fmt.Errorf("%w: unknown column %q", ErrBadFilter, c.col)
	}
	if c.op == "IN" {
		if len(c.args) == 0 {
			return "1 = 0", nil
		}
		return c.col + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(c.args)), ", ") + ")", nil
	}
	if !clauseOps[c.op] || len(c.args) != 1 {
		return "", fmt.Errorf("%w: bad operator %q", ErrBadFilter, c.op)
	}
	return c.col + " " + c.op + " ?", nil
}

func (f Filter) where() (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(f))
	var args []any
	for _, c := range f {
		s, err := c.sql()
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, s)
		args = append(args, c.args...)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// OrderBy sorts by one column.
type OrderBy struct {
	Column string
	Desc   bool
}

// Order is a list of sort keys applied left to right.
type Order []OrderBy

// ClaimOrder is the order ClaimNext picks eligible tasks in.
var ClaimOrder = Order{
	{Column: task.ColumnPriority, Desc: true},
	{Column: task.ColumnLastStart},
	{Column: task.ColumnID},
}

// ParseOrder parses "priority desc, id" style input.
func ParseOrder(s string) (Order, error) {
	var out Order
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		ob := OrderBy{Column: strings.ToLower(fields[0])}
		if len(fields) > 2 {
			return nil, fmt.Errorf("%w: %q", ErrBadOrder, part)
		}
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				ob.Desc = true
			default:
				return nil, fmt.Errorf("%w: %q", ErrBadOrder, part)
			}
		}
		if !knownColumn(ob.Column) {
			return nil, fmt.Errorf("%w: unknown column %q", ErrBadOrder, ob.Column)
		}
		out = append(out, ob)
	}
	return out, nil
}

func (o Order) sql() (string, error) {
	if len(o) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(o))
	for _, ob := range o {
		if !knownColumn(ob.Column) {
			return "", fmt.Errorf("%w: unknown column %q", ErrBadOrder, ob.Column)
		}
		dir := "ASC"
		if ob.Desc {
			dir = "DESC"
		}
		parts = append(parts, ob.Column+" "+dir)
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// Query selects tasks for LoadMany.
type Query struct {
	Filter Filter
	Order  Order
	Limit  int // 0 = no limit
	Offset int // rows to skip, with or without Limit
}

// Status groups used by CountTasks.
const (
	StatusAll       = ""
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusRunning   = "running"
	StatusFailed    = "failed"
)

// StatusFilter returns the clauses selecting one status group.
func StatusFilter(status string) (Filter, error) {
	switch status {
	case StatusAll:
		return nil, nil
	case StatusPending:
		return Filter{
			Eq(task.ColumnCompleted, 0),
			Lt(task.ColumnFails, task.LockThreshold),
			Eq(task.ColumnRunning, 0),
		}, nil
	case StatusCompleted:
		return Filter{Gt(task.ColumnCompleted, 0)}, nil
	case StatusRunning:
		return Filter{Eq(task.ColumnRunning, 1)}, nil
	case StatusFailed:
		return Filter{Ge(task.ColumnFails, task.LockThreshold)}, nil
	}
	return nil, fmt.Errorf("%w: unknown status %q", ErrBadFilter, status)
}

// EnqueueOption customizes Enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority  int
	tag       string
	nextStart time.Time
	delay     time.Duration
	scope     int64
	hasScope  bool
}

func WithPriority(p int) EnqueueOption { return func(o *enqueueOptions) { o.priority = p } }
func WithTag(tag string) EnqueueOption { return func(o *enqueueOptions) { o.tag = tag } }

// WithNextStart makes the task eligible no earlier than at.
func WithNextStart(at time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.nextStart = at }
}

// WithDelay makes the task eligible d after enqueue. It overrides WithNextStart.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

func WithScope(scope int64) EnqueueOption {
	return func(o *enqueueOptions) { o.scope, o.hasScope = scope, true }
}

func knownColumn(c string) bool {
	for _, k := range task.Columns {
		if k == c {
			return true
		}
	}
	return false
}
