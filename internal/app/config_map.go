package app

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/notifier"
	"postpilot/internal/observability/ops"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	"postpilot/internal/transport/telegram"
	logx "postpilot/pkg/logx"
)

// cycleTask is the engine task name of the due cycle.
const cycleTask = "due-cycle"

const defaultCycleSchedule = "1m"

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

// validateConfig runs every mapper so a bad hot reload is rejected whole.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapLoggingConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCycleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPlatformConfigs(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	if lc.Level != "" && !logx.ValidLevel(lc.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: invalid %q", lc.Level)
	}
	if lc.Alerts.MinLevel != "" && !logx.ValidLevel(lc.Alerts.MinLevel) {
		return logx.Config{}, fmt.Errorf("logging.alerts.min_level: invalid %q", lc.Alerts.MinLevel)
	}
	if lc.Alerts.RatePerSec < 0 {
		return logx.Config{}, fmt.Errorf("logging.alerts.rate_per_sec must be >= 0")
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}, nil
}

// mapTelegramConfig returns ok=false when the section is absent or has no token.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	tc := cfg.Telegram
	if tc == nil || strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false, nil
	}
	if tc.ChatID == 0 {
		return telegram.Config{}, false, fmt.Errorf("telegram.chat_id is required when a token is set")
	}
	if tc.ThreadID < 0 {
		return telegram.Config{}, false, fmt.Errorf("telegram.thread_id must be >= 0")
	}
	switch tc.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		return telegram.Config{}, false, fmt.Errorf("telegram.parse_mode: invalid %q", tc.ParseMode)
	}
	timeout, err := parseDurationOrDefault("telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:     strings.TrimSpace(tc.Token),
		ChatID:    tc.ChatID,
		ThreadID:  tc.ThreadID,
		ParseMode: tc.ParseMode,
		APIURL:    strings.TrimSpace(tc.APIURL),
		Timeout:   timeout,
	}, true, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     1,
		QueueSize:   16,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	// Triggers with nothing to execute them would silently pile up.
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if te.Workers != 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize != 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize != 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax != 0 {
		out.RetryMax = te.RetryMax
	}
	out.CircuitTripFailures = te.CircuitTripFailures

	var err error
	if out.DefaultTimeout, err = parseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitBaseDelay, err = parseDurationField("task_engine.circuit_base_delay", te.CircuitBaseDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitMaxDelay, err = parseDurationField("task_engine.circuit_max_delay", te.CircuitMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitResetAfter, err = parseDurationField("task_engine.circuit_reset_after", te.CircuitResetAfter); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// cycleConfig is the trigger side of the due cycle.
type cycleConfig struct {
	Scheduler scheduler.Config
	Schedule  string
	Timeout   time.Duration
}

func mapCycleConfig(cfg *config.Config) (cycleConfig, error) {
	sc := cfg.Scheduler
	tz := strings.TrimSpace(sc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return cycleConfig{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	spec := strings.TrimSpace(sc.CycleSchedule)
	if spec == "" {
		spec = defaultCycleSchedule
	}
	if err := scheduler.ValidateSchedule(spec); err != nil {
		return cycleConfig{}, fmt.Errorf("scheduler.cycle_schedule: %w", err)
	}
	timeout, err := parseDurationField("scheduler.cycle_timeout", sc.CycleTimeout)
	if err != nil {
		return cycleConfig{}, err
	}
	return cycleConfig{
		Scheduler: scheduler.Config{Enabled: sc.Enabled, Timezone: tz},
		Schedule:  spec,
		Timeout:   timeout,
	}, nil
}

// mapDispatchConfig builds the post scheduler config. The prediction
// timezone follows scheduler.timezone.
func mapDispatchConfig(cfg *config.Config) (post.Config, error) {
	dc := cfg.Dispatch
	if dc.Workers < 0 {
		return post.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	// Omitted means 30s; an explicit "0s" disables the timeout.
	timeout := 30 * time.Second
	if strings.TrimSpace(dc.PublishTimeout) != "" {
		d, err := parseDurationField("dispatch.publish_timeout", dc.PublishTimeout)
		if err != nil {
			return post.Config{}, err
		}
		timeout = d
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return post.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	return post.Config{Workers: dc.Workers, PublishTimeout: timeout, Location: loc}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:   driver,
		Path:     strings.TrimSpace(sc.Path),
		DSN:      strings.TrimSpace(sc.DSN),
		MaxConns: sc.MaxConns,
	}
	if sc.MaxConns < 0 {
		return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
	}
	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "file":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or %s) is required when storage.driver=postgres", config.EnvDatabaseURL)
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver %q (want one of %s)", sc.Driver, strings.Join(storage.Drivers(), ", "))
	}
	return out, nil
}

func mapPlatformConfigs(cfg *config.Config) (map[string]platform.SimulatedConfig, error) {
	out := make(map[string]platform.SimulatedConfig, len(platform.Known))
	names := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, raw := range names {
		pc := cfg.Platforms[raw]
		name := platform.Normalize(raw)
		known := false
		for _, k := range platform.Known {
			if k == name {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("platforms.%s: unknown platform (want one of %s)", raw, strings.Join(platform.Known, ", "))
		}
		if pc.RatePerSec < 0 || math.IsNaN(pc.RatePerSec) || pc.Burst < 0 {
			return nil, fmt.Errorf("platforms.%s: rate_per_sec and burst must be >= 0", raw)
		}
		enabled := true
		if pc.Enabled != nil {
			enabled = *pc.Enabled
		}
		out[name] = platform.SimulatedConfig{Enabled: enabled, RatePerSec: pc.RatePerSec, Burst: pc.Burst}
	}
	return out, nil
}

// mapNotifierConfig applies defaults. An omitted section means enabled
// whenever telegram is configured.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         1,
		QueueSize:       256,
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if _, ok, _ := mapTelegramConfig(cfg); !ok {
		out.Enabled = false
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric settings must be >= 0")
	}
	out.Enabled = out.Enabled && n.Enabled
	out.NotifyPublished = n.NotifyPublished
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		PprofPrefix:   strings.TrimSpace(oc.PprofPrefix),
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:9464"
	}
	var err error
	// WriteTimeout defaults to 0 so a 30s CPU profile is not cut off.
	if out.ReadTimeout, err = parseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = parseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 2*time.Minute); err != nil {
		return ops.Config{}, err
	}
	if oc.MutexProfileFraction < 0 || oc.BlockProfileRate < 0 {
		return ops.Config{}, fmt.Errorf("ops: profile rates must be >= 0")
	}
	out.MutexProfileFraction = oc.MutexProfileFraction
	out.BlockProfileRate = oc.BlockProfileRate
	if err := out.Validate(); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}
