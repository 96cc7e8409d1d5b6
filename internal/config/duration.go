package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueueTimings holds the parsed queue durations. A zero field was omitted
// and takes the runner default.
type QueueTimings struct {
	MaxExecutionTime time.Duration
	WorkerTimeSlice  time.Duration
	SafetyMargin     time.Duration
	FailoverDelay    time.Duration
}

// Timings parses every duration in the queue section.
func (q QueueConfig) Timings() (QueueTimings, error) {
	var (
		out  QueueTimings
		errs []error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"queue.max_execution_time", q.MaxExecutionTime, &out.MaxExecutionTime},
		{"queue.worker_time_slice", q.WorkerTimeSlice, &out.WorkerTimeSlice},
		{"queue.safety_margin", q.SafetyMargin, &out.SafetyMargin},
		{"queue.failover_delay", q.FailoverDelay, &out.FailoverDelay},
	}
	for _, f := range fields {
		d, err := parseDuration(f.path, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.dst = d
	}
	return out, errors.Join(errs...)
}

// BusyTimeoutDuration parses storage.busy_timeout; zero means omitted.
func (s StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	return parseDuration("storage.busy_timeout", s.BusyTimeout)
}

// Or returns d, or def when d is zero.
func Or(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", path, d)
	}
	return d, nil
}
