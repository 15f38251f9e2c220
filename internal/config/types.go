package config

// Config is the on-disk agent configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Pointer booleans distinguish "omitted" (take the default) from an explicit
// false.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Queue      QueueConfig      `json:"queue"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Controller ControllerConfig `json:"controller"`
	Storage    StorageConfig    `json:"storage"`
	Admin      AdminConfig      `json:"admin"`
	Jobs       []JobConfig      `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console *bool       `json:"console,omitempty"` // default true
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls the task queue. Changes take effect on restart,
// except that the controller keeps adjusting concurrency at runtime.
//
// Defaults:
//   - workers: 4
//   - max_backlog: 1000
//   - default_timeout: "5m"
//   - retry_base: "1s", retry_cap: "60s"
//   - cancel_grace: "5s"
//   - retention: "1h" (finished records kept for queries)
//   - cleanup_every: "5m"
type QueueConfig struct {
	Workers        int    `json:"workers,omitempty"`
	MaxBacklog     int    `json:"max_backlog,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryCap       string `json:"retry_cap,omitempty"`
	CancelGrace    string `json:"cancel_grace,omitempty"`
	Retention      string `json:"retention,omitempty"`
	CleanupEvery   string `json:"cleanup_every,omitempty"`
}

// SchedulerConfig controls the cron trigger service.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // default true

	// Timezone cron fields are evaluated in (IANA name). Empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// ControllerConfig controls adaptive admission. Thresholds may be given for a
// subset of metrics; the rest keep their defaults. Changes apply live.
type ControllerConfig struct {
	Enabled           *bool                      `json:"enabled,omitempty"` // default true
	Interval          string                     `json:"interval,omitempty"`
	MinConcurrency    int                        `json:"min_concurrency,omitempty"`
	MaxConcurrency    int                        `json:"max_concurrency,omitempty"`
	Cooldown          string                     `json:"cooldown,omitempty"`
	IncreaseHoldoff   string                     `json:"increase_holdoff,omitempty"`
	DecreaseFactor    float64                    `json:"decrease_factor,omitempty"`
	IncreaseFactor    float64                    `json:"increase_factor,omitempty"`
	EmergencyStop     *bool                      `json:"emergency_stop,omitempty"`  // default true
	BreakerEnabled    *bool                      `json:"breaker_enabled,omitempty"` // default true
	BreakerThreshold  int                        `json:"breaker_threshold,omitempty"`
	RecoveryWindow    string                     `json:"recovery_window,omitempty"`
	HistorySize       int                        `json:"history_size,omitempty"`
	Window            string                     `json:"window,omitempty"`
	BaseRate          float64                    `json:"base_rate,omitempty"`
	MinRateMultiplier float64                    `json:"min_rate_multiplier,omitempty"`
	Thresholds        map[string]ThresholdConfig `json:"thresholds,omitempty"`
}

type ThresholdConfig struct {
	Warning   float64  `json:"warning"`
	Critical  float64  `json:"critical"`
	Emergency float64  `json:"emergency"`
	Weight    *float64 `json:"weight,omitempty"` // default 1
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/feedagent.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // none|file|sqlite|s3
	Path        string `json:"path,omitempty"`
	Format      string `json:"format,omitempty"`       // json|msgpack
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	SaveEvery   string `json:"save_every,omitempty"`   // default "1m"

	Bucket          string `json:"bucket,omitempty"`
	Key             string `json:"key,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"` // never logged
}

// AdminConfig controls the HTTP admin surface.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token.
type AdminConfig struct {
	Enabled     bool     `json:"enabled"`
	Addr        string   `json:"addr,omitempty"`
	Token       string   `json:"token,omitempty"` // optional bearer token (do not log)
	CORSOrigins []string `json:"cors_origins,omitempty"`
	Pprof       bool     `json:"pprof,omitempty"`
}

// JobConfig declares a cron job bound to a registered handler.
type JobConfig struct {
	Name        string            `json:"name"`
	Cron        string            `json:"cron"`
	Handler     string            `json:"handler"`
	Args        []any             `json:"args,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"` // default true
	MaxRetries  int               `json:"max_retries,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
