package config

// Config is the top-level reportd configuration file.
//
// Optional sections are pointers so "omitted" can be told apart from "zero",
// which matters for the runtime defaults applied in internal/app.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Registry  RegistryConfig  `json:"registry"`
	Dataset   DatasetConfig   `json:"dataset"`
	Scheduler SchedulerConfig `json:"scheduler"`

	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Delivery   *DeliveryConfig   `json:"delivery,omitempty"`

	// Secrets backs password_ref values of the form "secret:<name>".
	// Values are never logged; the diff summary only reports the count.
	Secrets map[string]string `json:"secrets,omitempty"`

	API      APIConfig       `json:"api"`
	Ops      OpsConfig       `json:"ops,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram TelegramConfig  `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// RegistryConfig selects the durable job registry backend.
//
// Example:
//
//	"registry": { "driver": "sqlite", "path": "./data/registry.db" }
//	"registry": { "driver": "redis", "redis_url": "redis://127.0.0.1:6379/0" }
type RegistryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	RedisURL  string `json:"redis_url,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	// LeaseTTL bounds how long a crashed owner blocks a new one (redis only).
	LeaseTTL string `json:"lease_ttl,omitempty"`
}

// DatasetConfig points at the store report snapshots are taken from.
type DatasetConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

// SchedulerConfig controls the scheduler core.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone used to interpret hour/minute/weekday/day fields.
	// Empty means the process local zone.
	Timezone string `json:"timezone,omitempty"`

	// OneTimeDelay is the minimal delay before a one-time job fires (default 1s).
	OneTimeDelay string `json:"onetime_delay,omitempty"`

	// DispatchRetry is how long a due job waits before another dispatch
	// attempt when the task engine queue is full (default 30s).
	DispatchRetry string `json:"dispatch_retry,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs firings.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "10m"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds one whole firing. Use "0s" for the default.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops firings that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// DeliveryConfig tunes the per-recipient delivery protocol.
type DeliveryConfig struct {
	// AttemptTimeout is the ceiling for a single recipient attempt (default 30s).
	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	// RatePerSec paces transport attempts within one firing. 0 disables pacing.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Parallelism caps concurrent recipient attempts per firing (default 4).
	Parallelism int `json:"parallelism,omitempty"`
}

// APIConfig controls the schedule management HTTP server.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// OpsConfig controls the optional operations HTTP server (metrics + pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"`       // default: "/debug/pprof/"
	MetricsPath   string `json:"metrics_path,omitempty"` // default: "/metrics"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls the async operator alert pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true;
// it still stays idle until telegram.token and telegram.alert_chat_id are set.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

type TelegramConfig struct {
	Token         string `json:"token,omitempty"`
	AlertChatID   int64  `json:"alert_chat_id,omitempty"`
	AlertThreadID int    `json:"alert_thread_id,omitempty"`
}
