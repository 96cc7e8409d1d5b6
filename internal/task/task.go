package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPriority = 5
	MaxPriority     = 99

	// LockThreshold is the fails count at which a task stops being claimable.
	LockThreshold = 3

	DefaultFailBackoff = 5 * time.Minute
)

// Status values shown to operators (stored under the "status" data key).
const (
	StatusQueued      = "Queued"
	StatusRunning     = "Running"
	StatusCompleted   = "Completed"
	StatusFailed      = "Failed"
	StatusAborted     = "Aborted"
	StatusUnavailable = "Unavailable"
)

// Reserved data keys.
const (
	DataKeyStatus = "status"
	DataKeyLogs   = "logs"
)

// Persisted column names.
const (
	ColumnID            = "id"
	ColumnAction        = "action"
	ColumnData          = "data"
	ColumnPriority      = "priority"
	ColumnNextStart     = "next_start"
	ColumnRunning       = "running"
	ColumnLastStart     = "last_start"
	ColumnLastIteration = "last_iteration"
	ColumnTag           = "tag"
	ColumnFails         = "fails"
	ColumnCompleted     = "completed"
	ColumnScope         = "scope"
)

// Columns lists every persisted column in schema order.
var Columns = []string{
	ColumnID, ColumnAction, ColumnData, ColumnPriority, ColumnNextStart, ColumnRunning,
	ColumnLastStart, ColumnLastIteration, ColumnTag, ColumnFails, ColumnCompleted, ColumnScope,
}

type column uint16

const (
	colAction column = 1 << iota
	colData
	colPriority
	colNextStart
	colRunning
	colLastStart
	colLastIteration
	colTag
	colFails
	colCompleted
	colScope
)

var columnOrder = []struct {
	c    column
	name string
}{
	{colAction, ColumnAction},
	{colData, ColumnData},
	{colPriority, ColumnPriority},
	{colNextStart, ColumnNextStart},
	{colRunning, ColumnRunning},
	{colLastStart, ColumnLastStart},
	{colLastIteration, ColumnLastIteration},
	{colTag, ColumnTag},
	{colFails, ColumnFails},
	{colCompleted, ColumnCompleted},
	{colScope, ColumnScope},
}

// Persister writes a task's pending changes.
type Persister interface {
	Save(ctx context.Context, t *Task) error
}

// Record is the storage shape of a task row. Timestamps are unix seconds, 0 = unset.
type Record struct {
	ID            int64
	Action        string
	Data          []byte
	Priority      int
	NextStart     int64
	Running       bool
	LastStart     int64
	LastIteration int64
	Tag           string
	Fails         int
	Completed     int64
	Scope         int64
}

// LogEntry is one line of a task's log.
type LogEntry struct {
	Time    time.Time
	Message string
}

// Task is one unit of queued work.
//
// Within one process the store hands out a single *Task per id, so callers
// share mutable state. All methods are safe for concurrent use.
type Task struct {
	mu sync.Mutex

	id            int64
	action        string
	data          map[string]any
	priority      int
	nextStart     time.Time
	running       bool
	lastStart     time.Time
	lastIteration time.Time
	tag           string
	fails         int
	completed     time.Time
	scope         int64

	dirty column

	// Per-claim state, never persisted.
	breaker    int
	aborted    bool
	failover   bool
	claim      uint64
	superseded bool

	store Persister
	now   func() time.Time
}

// New returns an unsaved task for action with default priority.
func New(action string) *Task {
	return &Task{
		action:   strings.TrimSpace(action),
		priority: DefaultPriority,
		data:     map[string]any{},
		dirty:    colAction | colPriority | colData,
		now:      time.Now,
	}
}

// FromRecord builds a clean task from a stored row.
func FromRecord(r Record) (*Task, error) {
	t := &Task{now: time.Now}
	if err := t.Load(r); err != nil {
		return nil, err
	}
	return t, nil
}

// Bind attaches the persister used by Save, Log, Unlock and RunNext.
func (t *Task) Bind(p Persister, now func() time.Time) {
	t.mu.Lock()
	t.store = p
	if now != nil {
		t.now = now
	}
	t.mu.Unlock()
}

// Load replaces all persisted fields with r and clears the dirty set.
func (t *Task) Load(r Record) error {
	data := map[string]any{}
	if len(r.Data) > 0 && string(r.Data) != "null" {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return fmt.Errorf("task %d: decode data: %w", r.ID, err)
		}
		if data == nil {
			data = map[string]any{}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = r.ID
	t.action = r.Action
	t.data = data
	t.priority = r.Priority
	t.nextStart = fromUnix(r.NextStart)
	t.running = r.Running
	t.lastStart = fromUnix(r.LastStart)
	t.lastIteration = fromUnix(r.LastIteration)
	t.tag = r.Tag
	t.fails = r.Fails
	t.completed = fromUnix(r.Completed)
	t.scope = r.Scope
	t.dirty = 0
	return nil
}

// Refresh copies the columns of r that have no pending local change.
func (t *Task) Refresh(r Record) error {
	var data map[string]any
	if len(r.Data) > 0 && string(r.Data) != "null" {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return fmt.Errorf("task %d: decode data: %w", r.ID, err)
		}
	}
	if data == nil {
		data = map[string]any{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = r.ID
	d := t.dirty
	if d&colAction == 0 {
		t.action = r.Action
	}
	if d&colData == 0 {
		t.data = data
	}
	if d&colPriority == 0 {
		t.priority = r.Priority
	}
	if d&colNextStart == 0 {
		t.nextStart = fromUnix(r.NextStart)
	}
	if d&colRunning == 0 {
		t.running = r.Running
	}
	if d&colLastStart == 0 {
		t.lastStart = fromUnix(r.LastStart)
	}
	if d&colLastIteration == 0 {
		t.lastIteration = fromUnix(r.LastIteration)
	}
	if d&colTag == 0 {
		t.tag = r.Tag
	}
	if d&colFails == 0 {
		t.fails = r.Fails
	}
	if d&colCompleted == 0 {
		t.completed = fromUnix(r.Completed)
	}
	if d&colScope == 0 {
		t.scope = r.Scope
	}
	return nil
}

// Dirty reports whether the task has unsaved changes.
func (t *Task) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty != 0
}

// Record returns the full storage shape of the task.
func (t *Task) Record() (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := json.Marshal(t.data)
	if err != nil {
		return Record{}, fmt.Errorf("task %d: encode data: %w", t.id, err)
	}
	return Record{
		ID:            t.id,
		Action:        t.action,
		Data:          b,
		Priority:      t.priority,
		NextStart:     toUnix(t.nextStart),
		Running:       t.running,
		LastStart:     toUnix(t.lastStart),
		LastIteration: toUnix(t.lastIteration),
		Tag:           t.tag,
		Fails:         t.fails,
		Completed:     toUnix(t.completed),
		Scope:         t.scope,
	}, nil
}

// Changes holds the columns modified since the last successful save.
type Changes struct {
	Columns []string
	Values  []any

	mask column
}

func (c Changes) Empty() bool { return c.mask == 0 }

// TakeChanges snapshots and clears the dirty set. On a failed write pass the
// result to Restore so the columns are retried on the next save.
func (t *Task) TakeChanges() (Changes, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ch Changes
	if t.dirty == 0 {
		return ch, nil
	}
	for _, col := range columnOrder {
		if t.dirty&col.c == 0 {
			continue
		}
		v, err := t.valueLocked(col.c)
		if err != nil {
			return Changes{}, err
		}
		ch.Columns = append(ch.Columns, col.name)
		ch.Values = append(ch.Values, v)
	}
	ch.mask = t.dirty
	t.dirty = 0
	return ch, nil
}

// Restore re-marks the columns of a failed write as dirty.
func (t *Task) Restore(c Changes) {
	t.mu.Lock()
	t.dirty |= c.mask
	t.mu.Unlock()
}

func (t *Task) valueLocked(c column) (any, error) {
	switch c {
	case colAction:
		return t.action, nil
	case colData:
		b, err := json.Marshal(t.data)
		if err != nil {
			return nil, fmt.Errorf("task %d: encode data: %w", t.id, err)
		}
		return string(b), nil
	case colPriority:
		return t.priority, nil
	case colNextStart:
		return toUnix(t.nextStart), nil
	case colRunning:
		return boolInt(t.running), nil
	case colLastStart:
		return toUnix(t.lastStart), nil
	case colLastIteration:
		return toUnix(t.lastIteration), nil
	case colTag:
		return t.tag, nil
	case colFails:
		return t.fails, nil
	case colCompleted:
		return toUnix(t.completed), nil
	case colScope:
		return t.scope, nil
	}
	return nil, fmt.Errorf("task: unknown column %d", c)
}

// SetID is called by the store after insert.
func (t *Task) SetID(id int64) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

// Save writes pending changes through the bound persister.
func (t *Task) Save(ctx context.Context) error {
	t.mu.Lock()
	p := t.store
	t.mu.Unlock()
	if p == nil {
		return ErrUnbound
	}
	return p.Save(ctx, t)
}

// ---- accessors ----

func (t *Task) ID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Task) IsNew() bool { return t.ID() == 0 }

func (t *Task) Action() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.action
}

func (t *Task) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *Task) NextStart() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextStart
}

func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Task) LastStart() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastStart
}

func (t *Task) LastIteration() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastIteration
}

func (t *Task) Tag() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tag
}

func (t *Task) Fails() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fails
}

// Locked reports whether the task has reached the fail threshold.
func (t *Task) Locked() bool { return t.Fails() >= LockThreshold }

func (t *Task) Completed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

func (t *Task) IsCompleted() bool { return !t.Completed().IsZero() }

func (t *Task) Scope() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scope
}

func (t *Task) Breaker() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.breaker
}

func (t *Task) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *Task) Failover() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failover
}

// ---- mutators ----

func (t *Task) SetPriority(p int) {
	t.mu.Lock()
	t.priority = p
	t.dirty |= colPriority
	t.mu.Unlock()
}

// SetNextStart reschedules the task; the zero time means "as soon as possible".
func (t *Task) SetNextStart(at time.Time) {
	t.mu.Lock()
	t.nextStart = at
	t.dirty |= colNextStart
	t.mu.Unlock()
}

// RescheduleIn is SetNextStart(now+d).
func (t *Task) RescheduleIn(d time.Duration) {
	t.mu.Lock()
	t.nextStart = t.clock().Add(d)
	t.dirty |= colNextStart
	t.mu.Unlock()
}

func (t *Task) SetRunning(running bool) {
	t.mu.Lock()
	t.running = running
	t.dirty |= colRunning
	t.mu.Unlock()
}

func (t *Task) SetLastIteration(at time.Time) {
	t.mu.Lock()
	t.lastIteration = at
	t.dirty |= colLastIteration
	t.mu.Unlock()
}

func (t *Task) SetTag(tag string) {
	t.mu.Lock()
	t.tag = tag
	t.dirty |= colTag
	t.mu.Unlock()
}

func (t *Task) SetFails(n int) {
	t.mu.Lock()
	t.fails = n
	t.dirty |= colFails
	t.mu.Unlock()
}

func (t *Task) SetScope(scope int64) {
	t.mu.Lock()
	t.scope = scope
	t.dirty |= colScope
	t.mu.Unlock()
}

// ResetBreaker lets a long-running handler signal progress so the runner's
// circuit breaker does not trip.
func (t *Task) ResetBreaker() {
	t.mu.Lock()
	t.breaker = 0
	t.mu.Unlock()
}

// IncBreaker bumps the per-claim iteration counter and returns the new value.
func (t *Task) IncBreaker() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breaker++
	return t.breaker
}

// SetFailover marks that this claim recorded a failure which must survive the
// terminal save.
func (t *Task) SetFailover() {
	t.mu.Lock()
	t.failover = true
	t.mu.Unlock()
}

// BeginRun resets per-claim state and stamps the claim start.
func (t *Task) BeginRun(now time.Time) {
	t.mu.Lock()
	t.breaker = 0
	t.aborted = false
	t.failover = false
	t.lastStart = now
	t.lastIteration = now
	t.running = true
	t.dirty |= colLastStart | colLastIteration | colRunning
	t.mu.Unlock()
}

// Claim returns the token of the in-process claim this instance runs under,
// or 0 when it is not claimed.
func (t *Task) Claim() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claim
}

// SetClaim is called by the store when it hands the instance to a claim.
func (t *Task) SetClaim(token uint64) {
	t.mu.Lock()
	t.claim = token
	t.mu.Unlock()
}

// Supersede marks an instance whose claim was taken over by a newer claim on
// the same row. Its saves are dropped from then on.
func (t *Task) Supersede() {
	t.mu.Lock()
	t.superseded = true
	t.mu.Unlock()
}

func (t *Task) Superseded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.superseded
}

// Complete marks the task finished.
func (t *Task) Complete() {
	t.mu.Lock()
	t.completed = t.clock()
	t.dirty |= colCompleted
	t.mu.Unlock()
}

// Abort asks the runner to stop this task at the next iteration boundary and lock it.
func (t *Task) Abort() {
	t.mu.Lock()
	t.aborted = true
	t.mu.Unlock()
}

// Fail records a transient failure: fails+1 and next start pushed to at, or
// DefaultFailBackoff from now when at is zero.
func (t *Task) Fail(at time.Time) {
	t.mu.Lock()
	t.fails++
	if at.IsZero() {
		at = t.clock().Add(DefaultFailBackoff)
	}
	t.nextStart = at
	t.failover = true
	t.dirty |= colFails | colNextStart
	t.mu.Unlock()
}

// Unlock resets a locked task's fails counter and saves. It is a no-op below
// the lock threshold.
func (t *Task) Unlock(ctx context.Context) error {
	t.mu.Lock()
	if t.fails < LockThreshold {
		t.mu.Unlock()
		return nil
	}
	t.fails = 0
	t.dirty |= colFails
	t.mu.Unlock()
	return t.Save(ctx)
}

// RunNext makes a pending task the next one to be claimed.
func (t *Task) RunNext(ctx context.Context) error {
	t.mu.Lock()
	if !t.completed.IsZero() {
		t.mu.Unlock()
		return nil
	}
	if t.fails >= LockThreshold {
		t.fails = 0
	}
	t.running = false
	t.nextStart = time.Time{}
	t.priority = MaxPriority
	t.dirty |= colFails | colRunning | colNextStart | colPriority
	t.mu.Unlock()
	return t.Save(ctx)
}

// ---- data ----

// Get returns the data value stored under key, or nil.
func (t *Task) Get(key string) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data[key]
}

// GetString returns the string stored under key, or "".
func (t *Task) GetString(key string) string {
	s, _ := t.Get(key).(string)
	return s
}

// GetInt returns the integer stored under key. Numbers decoded from storage
// arrive as float64; both forms are accepted.
func (t *Task) GetInt(key string) (int, bool) {
	switch v := t.Get(key).(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Set stores value under key. The change is persisted on the next save.
func (t *Task) Set(key string, value any) {
	t.mu.Lock()
	if t.data == nil {
		t.data = map[string]any{}
	}
	t.data[key] = value
	t.dirty |= colData
	t.mu.Unlock()
}

// Data returns a shallow copy of the payload.
func (t *Task) Data() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.data))
	for k, v := range t.data {
		out[k] = v
	}
	return out
}

// Status returns the operator-facing status string.
func (t *Task) Status() string { return t.GetString(DataKeyStatus) }

// SetStatus records the operator-facing status; persisted on the next save.
func (t *Task) SetStatus(status string) { t.Set(DataKeyStatus, status) }

// Log appends a timestamped entry and saves immediately.
func (t *Task) Log(ctx context.Context, message string) error {
	t.AppendLog(message)
	return t.Save(ctx)
}

// AppendLog appends a log entry without saving.
func (t *Task) AppendLog(message string) {
	t.mu.Lock()
	if t.data == nil {
		t.data = map[string]any{}
	}
	logs, _ := t.data[DataKeyLogs].([]any)
	logs = append(logs, map[string]any{
		"time":    t.clock().Unix(),
		"message": message,
	})
	t.data[DataKeyLogs] = logs
	t.dirty |= colData
	t.mu.Unlock()
}

// Logs decodes the task log.
func (t *Task) Logs() []LogEntry {
	t.mu.Lock()
	raw, _ := t.data[DataKeyLogs].([]any)
	t.mu.Unlock()

	out := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg, _ := m["message"].(string)
		var ts int64
		switch v := m["time"].(type) {
		case int64:
			ts = v
		case float64:
			ts = int64(v)
		case json.Number:
			ts, _ = v.Int64()
		}
		out = append(out, LogEntry{Time: fromUnix(ts), Message: msg})
	}
	return out
}

// Eligible reports whether a claim at now could pick this task.
func (t *Task) Eligible(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed.IsZero() && !t.running && t.fails < LockThreshold && !now.Before(t.nextStart)
}

func (t *Task) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

func (t *Task) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("task#%d(%s)", t.id, t.action)
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(s int64) time.Time {
	if s <= 0 {
		return time.Time{}
	}
	return time.Unix(s, 0)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
