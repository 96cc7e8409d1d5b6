package config

import (
	"strings"

	logx "taskrunner/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. The storage DSN is never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if StorageChanged(oldCfg, newCfg) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	oq, nq := oldCfg.Queue, newCfg.Queue
	if oq.Scope != nq.Scope ||
		oq.MaxConcurrentRunners != nq.MaxConcurrentRunners ||
		oq.Retention() != nq.Retention() ||
		oq.Workers != nq.Workers ||
		strings.TrimSpace(oq.MaxExecutionTime) != strings.TrimSpace(nq.MaxExecutionTime) ||
		strings.TrimSpace(oq.WorkerTimeSlice) != strings.TrimSpace(nq.WorkerTimeSlice) ||
		strings.TrimSpace(oq.SafetyMargin) != strings.TrimSpace(nq.SafetyMargin) ||
		oq.ExtendTimeLimitEnabled() != nq.ExtendTimeLimitEnabled() ||
		oq.BreakerLimit != nq.BreakerLimit ||
		strings.TrimSpace(oq.FailoverDelay) != strings.TrimSpace(nq.FailoverDelay) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int64("queue.scope", nq.Scope),
			logx.Int("queue.max_concurrent_runners", nq.MaxConcurrentRunners),
			logx.Int("queue.retention_period_hours", nq.Retention()),
			logx.Int("queue.workers", nq.Workers),
			logx.String("queue.max_execution_time", nq.MaxExecutionTime),
			logx.Bool("queue.extend_time_limit", nq.ExtendTimeLimitEnabled()),
		)
	}

	ot, nt := oldCfg.Triggers, newCfg.Triggers
	if ot.Enabled != nt.Enabled ||
		strings.TrimSpace(ot.Timezone) != strings.TrimSpace(nt.Timezone) ||
		ot.RunSchedule() != nt.RunSchedule() ||
		ot.MaintenanceSchedule() != nt.MaintenanceSchedule() {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.Bool("triggers.enabled", nt.Enabled),
			logx.String("triggers.timezone", strings.TrimSpace(nt.Timezone)),
			logx.String("triggers.run", nt.RunSchedule()),
			logx.String("triggers.maintenance", nt.MaintenanceSchedule()),
		)
	}
	return changed, attrs
}

// StorageChanged reports a storage difference that only a restart can apply.
func StorageChanged(oldCfg, newCfg *Config) bool {
	o, n := oldCfg.Storage, newCfg.Storage
	return !strings.EqualFold(strings.TrimSpace(o.Driver), strings.TrimSpace(n.Driver)) ||
		strings.TrimSpace(o.Path) != strings.TrimSpace(n.Path) ||
		strings.TrimSpace(o.DSN) != strings.TrimSpace(n.DSN) ||
		strings.TrimSpace(o.BusyTimeout) != strings.TrimSpace(n.BusyTimeout) ||
		strings.TrimSpace(o.Table) != strings.TrimSpace(n.Table)
}
