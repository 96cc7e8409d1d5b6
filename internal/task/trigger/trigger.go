package trigger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	logx "taskrunner/pkg/logx"
)

// Names of the two standard entries.
const (
	NameRun         = "run"
	NameMaintenance = "maintenance"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
}

// Overlap controls what happens when an entry fires while its previous
// fire is still in flight.
type Overlap int

const (
	OverlapAllow Overlap = iota
	OverlapSkip
)

// Job is one fire of an entry. ctx carries the entry timeout as a deadline.
type Job func(ctx context.Context) error

type entry struct {
	name     string
	sched    Schedule
	overlap  Overlap
	timeout  time.Duration
	job      Job
	entryID  cron.EntryID
	spread   time.Duration
	inflight atomic.Int32
	fired    atomic.Uint64
	skipped  atomic.Uint64
}

// EntryInfo describes a registered entry.
type EntryInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	InFlight int
	Fired    uint64
	Skipped  uint64
}

type baseCtx struct{ ctx context.Context }

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// base parents every job context; fire reads it without taking mu.
	base atomic.Pointer[baseCtx]

	entries map[string]*entry

	// Failure warnings are rate limited per entry; the rest go to debug.
	warnMu sync.Mutex
	warn   map[string]*rate.Limiter
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "trigger")),
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
		warn:    map[string]*rate.Limiter{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Add registers or replaces the entry called name.
func (s *Service) Add(name, schedule string, overlap Overlap, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("trigger: name required")
	}
	if job == nil {
		return errors.New("trigger: job required")
	}
	sch, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if sch.Kind == KindCron {
		if _, err := s.parser.Parse(sch.Cron); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	e := &entry{name: name, sched: sch, overlap: overlap, timeout: timeout, job: job}
	s.entries[name] = e
	if s.c != nil {
		s.scheduleLocked(e)
		s.log.Debug("entry registered",
			logx.String("name", name),
			logx.String("spec", sch.Spec()),
			logx.Duration("timeout", timeout),
			logx.Duration("spread", e.spread),
		)
	}
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	delete(s.entries, name)
	return true
}

// Apply swaps the configuration. A timezone change moves all entries to a
// new cron instance; jobs already running on the old one are left to finish
// and are still awaited by Stop.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	old := s.c
	if old == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		s.mu.Unlock()
		return
	}
	s.startCronLocked()
	loc, n := s.loc, len(s.entries)
	s.mu.Unlock()

	old.Stop()
	s.log.Info("trigger restarted", logx.String("tz", loc.String()), logx.Int("entries", n))
}

// Start begins firing entries. Jobs receive contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	base, cancel := context.WithCancel(ctx)
	s.base.Store(&baseCtx{ctx: base})
	s.cancel = cancel
	s.startCronLocked()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		s.scheduleLocked(e)
	}
	s.c.Start()
}

func (s *Service) scheduleLocked(e *entry) {
	job := cron.FuncJob(func() { s.fire(e) })
	if e.sched.Kind == KindInterval {
		sched, jitter := intervalSchedule(e.name, e.sched.Every, time.Now().In(s.loc))
		e.spread = jitter
		e.entryID = s.c.Schedule(sched, job)
		return
	}
	e.spread = 0
	id, err := s.c.AddJob(e.sched.Cron, job)
	if err != nil {
		s.log.Error("entry register failed", logx.String("name", e.name), logx.String("spec", e.sched.Cron), logx.Err(err))
		return
	}
	e.entryID = id
}

// Stop stops firing, cancels in-flight jobs and waits for them until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("trigger stop timed out with jobs in flight")
	}
	s.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
}

// Fire runs the entry now, outside its schedule, and waits for it.
func (s *Service) Fire(name string) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.fire(e)
	return true
}

func (s *Service) fire(e *entry) {
	b := s.base.Load()
	if b == nil || b.ctx.Err() != nil {
		return
	}
	base := b.ctx

	if n := e.inflight.Add(1); n > 1 && e.overlap == OverlapSkip {
		e.inflight.Add(-1)
		e.skipped.Add(1)
		s.log.Debug("entry skipped, previous fire still running", logx.String("name", e.name))
		return
	}
	defer e.inflight.Add(-1)
	e.fired.Add(1)
	s.wg.Add(1)
	defer s.wg.Done()

	ctx := base
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, e.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = errors.New("panic in trigger job")
				s.log.Error("trigger job panicked", logx.String("name", e.name), logx.Any("panic", p))
			}
		}()
		return e.job(ctx)
	}()
	if err != nil {
		s.reportError(e.name, err)
		return
	}
	s.log.Trace("entry fired", logx.String("name", e.name), logx.Duration("took", time.Since(start)))
}

func (s *Service) reportError(name string, err error) {
	s.warnMu.Lock()
	lim, ok := s.warn[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute), 1)
		s.warn[name] = lim
	}
	s.warnMu.Unlock()

	if lim.Allow() {
		s.log.Warn("trigger job failed", logx.String("name", name), logx.Err(err))
		return
	}
	s.log.Debug("trigger job failed", logx.String("name", name), logx.Err(err))
}

// Entries returns the registered entries sorted by name.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := EntryInfo{
			Name:     e.name,
			Spec:     e.sched.Spec(),
			Timeout:  e.timeout,
			InFlight: int(e.inflight.Load()),
			Fired:    e.fired.Load(),
			Skipped:  e.skipped.Load(),
		}
		if s.c != nil && e.entryID != 0 {
			ce := s.c.Entry(e.entryID)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
