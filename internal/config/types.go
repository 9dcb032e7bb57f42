package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Telegram is the outbound alert/notification channel. Omit to run without it.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	// Scheduler controls the due-cycle trigger (cron or interval).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of triggered cycles.
	// If omitted, defaults apply and the engine follows scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Dispatch  DispatchConfig            `json:"dispatch"`
	Storage   StorageConfig             `json:"storage"`
	Platforms map[string]PlatformConfig `json:"platforms,omitempty"`
	Notifier  *NotifierConfig           `json:"notifier,omitempty"`
	Ops       OpsConfig                 `json:"ops"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards log lines at or above MinLevel to Telegram.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token     string `json:"token"` // overridden by POSTPILOT_TELEGRAM_TOKEN
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	APIURL    string `json:"api_url,omitempty"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
}

// SchedulerConfig controls the trigger that runs due cycles.
//
// CycleSchedule accepts cron ("*/1 * * * *", "@every 30s") or an interval
// ("1m", "00:05"). Defaults to "1m".
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	Timezone      string `json:"timezone,omitempty"`
	CycleSchedule string `json:"cycle_schedule,omitempty"`
	// CycleTimeout bounds one due cycle. "0s" or empty disables.
	CycleTimeout string `json:"cycle_timeout,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 1
//   - queue_size: 16
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	// Circuit breaker for repeatedly failing cycles. -1 disables.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// DispatchConfig tunes how a due cycle publishes.
type DispatchConfig struct {
	// Workers bounds concurrent publishes inside one cycle (default 4).
	Workers int `json:"workers,omitempty"`
	// PublishTimeout bounds a single adapter call (default "30s", "0s" disables).
	PublishTimeout string `json:"publish_timeout,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postpilot.db" }
//
// The postgres DSN may be supplied through DATABASE_URL instead of the file.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// PlatformConfig tunes the simulated adapter for one platform.
// Enabled defaults to true when omitted.
type PlatformConfig struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// NotifierConfig controls the outcome notification pipeline.
//
// All durations are Go duration strings. If the section is omitted the
// notifier runs with defaults whenever telegram is configured.
type NotifierConfig struct {
	Enabled         bool    `json:"enabled"`
	Workers         int     `json:"workers,omitempty"`
	QueueSize       int     `json:"queue_size,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	RetryMax        int     `json:"retry_max,omitempty"`
	RetryBase       string  `json:"retry_base,omitempty"`
	RetryMaxDelay   string  `json:"retry_max_delay,omitempty"`
	DedupWindow     string  `json:"dedup_window,omitempty"`
	DedupMaxEntries int     `json:"dedup_max_entries,omitempty"`
	NotifyPublished bool    `json:"notify_published,omitempty"`
}

// OpsConfig controls the operational HTTP server (health, metrics, status, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // overridden by POSTPILOT_OPS_TOKEN; never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
