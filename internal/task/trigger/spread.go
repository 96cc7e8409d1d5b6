package trigger

import (
	"hash/maphash"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStartupSpread bounds the extra delay before an interval entry first fires.
const maxStartupSpread = 30 * time.Second

// delayedFirst fires once at first and then follows the interval.
type delayedFirst struct {
	first time.Time
	then  cron.Schedule
}

func (d delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.then.Next(t)
}

// startupSpread picks a whole-second delay in [0, min(every, maxStartupSpread))
// so that several runners started together do not claim in lockstep. Each
// call uses a fresh seed.
func startupSpread(name string, every time.Duration) time.Duration {
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return 0
	}
	d := time.Duration(maphash.String(maphash.MakeSeed(), name) % uint64(limit))
	return d.Truncate(time.Second)
}

// intervalSchedule returns the cron schedule for an "@every" entry together
// with the spread applied to its first fire.
func intervalSchedule(name string, every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	spread := startupSpread(name, every)
	if spread == 0 {
		return cron.Every(every), 0
	}
	return delayedFirst{first: now.Add(every + spread), then: cron.Every(every)}, spread
}
