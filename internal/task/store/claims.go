package store

import (
	"sync"

	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

// claims tracks the live in-process claim on each row. A row can be claimed
// again while an earlier holder in this process is still executing: the
// sweeper reclaims it once its last iteration is older than the staleness
// limit. The newer claim then gets its own instance and the older one is
// superseded.
type claims struct {
	mu   sync.Mutex
	seq  uint64
	live map[int64]uint64
}

// hold registers a claim on rec's row and returns the instance to run it on.
func (s *Store) hold(rec task.Record) (*task.Task, error) {
	s.claims.mu.Lock()
	defer s.claims.mu.Unlock()

	var t *task.Task
	if _, busy := s.claims.live[rec.ID]; busy {
		fresh, err := task.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		fresh.Bind(s, s.now)
		if old := s.cache.Replace(fresh); old != nil && old != fresh {
			old.Supersede()
		}
		s.log.Warn("task reclaimed while a previous claim is still executing", logx.Int64("id", rec.ID))
		t = fresh
	} else {
		var err error
		if t, err = s.adopt(rec); err != nil {
			return nil, err
		}
	}

	s.claims.seq++
	s.claims.live[rec.ID] = s.claims.seq
	t.SetClaim(s.claims.seq)
	return t, nil
}

// releaseLocked ends t's claim if it is still the live one.
func (s *Store) releaseLocked(t *task.Task) {
	if tok := t.Claim(); tok != 0 && s.claims.live[t.ID()] == tok {
		delete(s.claims.live, t.ID())
		t.SetClaim(0)
	}
}

// Release ends the in-process claim t runs under. Saving running=0 releases
// it too; releasing a superseded claim is a no-op.
func (s *Store) Release(t *task.Task) {
	s.claims.mu.Lock()
	s.releaseLocked(t)
	s.claims.mu.Unlock()
}

// Claimed reports how many rows this process currently holds a claim on.
func (s *Store) Claimed() int {
	s.claims.mu.Lock()
	defer s.claims.mu.Unlock()
	return len(s.claims.live)
}
