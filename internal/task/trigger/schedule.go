package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Schedule is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 * * * *" (optional seconds), "@hourly", "@every 1m"
//   - interval as a Go duration: "55m", "2h30m"
//   - interval as HH:MM: "00:50" is 50 minutes, "02:30" is 2h30m
//
// The prefixes "cron:" and "every:" force one interpretation.
type Schedule struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

// Spec renders the schedule for the cron parser.
func (s Schedule) Spec() string {
	if s.Kind == KindInterval {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Schedule{Kind: KindCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return Schedule{Kind: KindCron, Cron: s, Source: "cron"}, nil
	}

	sch, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')",
			raw,
		)
	}
	return sch, nil
}

func parseInterval(v string) (Schedule, error) {
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Kind: KindInterval, Every: d, Source: "duration"}, nil
}
