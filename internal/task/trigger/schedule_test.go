package trigger

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
		spec     string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron", spec: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron", spec: "0 0 * * *"},
		{name: "descriptor", raw: "@every 1m", kind: KindCron, source: "cron", spec: "@every 1m"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", duration: 10 * time.Minute, spec: "@every 10m0s"},
		{name: "prefixed interval", raw: "every:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second, spec: "@every 45s"},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute, spec: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if got.Spec() != tt.spec {
				t.Fatalf("Spec = %q, want %q", got.Spec(), tt.spec)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "-5m", "00:00", "01:75", "every:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestIntervalScheduleSpread(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		sched, spread := intervalSchedule("run", time.Minute, now)
		if spread < 0 || spread >= maxStartupSpread {
			t.Fatalf("spread %s out of range", spread)
		}
		first := sched.Next(now)
		if want := now.Add(time.Minute + spread); spread > 0 && !first.Equal(want) {
			t.Fatalf("first fire %s, want %s", first, want)
		}
		if second := sched.Next(first); second.Sub(first) != time.Minute {
			t.Fatalf("interval after first fire: %s", second.Sub(first))
		}
	}

	if got := startupSpread("tiny", 5*time.Second); got >= 5*time.Second {
		t.Fatalf("spread %s exceeds interval", got)
	}
}
