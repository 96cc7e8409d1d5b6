package config

const (
	DefaultRetentionHours      = 24
	DefaultRunSchedule         = "@every 1m"
	DefaultMaintenanceSchedule = "@every 15m"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Triggers TriggersConfig `json:"triggers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task table backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tasks.db", "busy_timeout": "5s" }
//	"storage": { "driver": "postgres", "dsn": "postgres://runner@db/tasks" }
//
// Storage changes need a restart.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // may hold credentials; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Table       string `json:"table,omitempty"`
}

// QueueConfig controls claiming, execution budgets and maintenance.
//
// All durations are Go duration strings. Defaults (when omitted or zero):
//   - scope: 1
//   - max_concurrent_runners: 4
//   - retention_period_hours: 24 (-1 keeps completed tasks forever)
//   - workers: 1
//   - max_execution_time: "60s"
//   - worker_time_slice: "60s"
//   - safety_margin: "10s"
//   - extend_time_limit: true
//   - breaker_limit: 1000
//   - failover_delay: "180s"
type QueueConfig struct {
	Scope                int64  `json:"scope,omitempty"`
	MaxConcurrentRunners int    `json:"max_concurrent_runners,omitempty"`
	RetentionPeriodHours *int   `json:"retention_period_hours,omitempty"`
	Workers              int    `json:"workers,omitempty"`
	MaxExecutionTime     string `json:"max_execution_time,omitempty"`
	WorkerTimeSlice      string `json:"worker_time_slice,omitempty"`
	SafetyMargin         string `json:"safety_margin,omitempty"`
	ExtendTimeLimit      *bool  `json:"extend_time_limit,omitempty"`
	BreakerLimit         int    `json:"breaker_limit,omitempty"`
	FailoverDelay        string `json:"failover_delay,omitempty"`
}

// Retention returns retention_period_hours with its default applied.
func (q QueueConfig) Retention() int {
	if q.RetentionPeriodHours == nil {
		return DefaultRetentionHours
	}
	return *q.RetentionPeriodHours
}

func (q QueueConfig) ExtendTimeLimitEnabled() bool {
	return q.ExtendTimeLimit == nil || *q.ExtendTimeLimit
}

// TriggersConfig controls the timer triggers of the serve command.
// Schedules accept cron, "@every", Go durations and HH:MM intervals.
type TriggersConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	Run         string `json:"run,omitempty"`
	Maintenance string `json:"maintenance,omitempty"`
}

func (t TriggersConfig) RunSchedule() string {
	if t.Run == "" {
		return DefaultRunSchedule
	}
	return t.Run
}

func (t TriggersConfig) MaintenanceSchedule() string {
	if t.Maintenance == "" {
		return DefaultMaintenanceSchedule
	}
	return t.Maintenance
}
