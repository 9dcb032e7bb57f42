package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// structured attrs describing the new values. Secrets (tokens, DSNs) are
// reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	oT, nT := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	if oT != nT {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Bool("telegram.chat_set", nT.ChatID != 0),
			logx.Int("telegram.thread_id", nT.ThreadID),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.cycle_schedule", strings.TrimSpace(newCfg.Scheduler.CycleSchedule)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.String("dispatch.publish_timeout", strings.TrimSpace(newCfg.Dispatch.PublishTimeout)),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Platforms, newCfg.Platforms) {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.Int("platforms.configured", len(newCfg.Platforms)))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := derefNotifier(newCfg.Notifier)
		attrs = append(attrs,
			logx.Bool("notifier.present", newCfg.Notifier != nil),
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Bool("notifier.notify_published", n.NotifyPublished),
		)
	}

	nO := newCfg.Ops
	if oldCfg.Ops != nO {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(nO.Token) != ""),
			logx.Bool("ops.pprof", nO.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether any of sections cannot be applied live.
func RestartRequired(sections []string) bool {
	for _, s := range sections {
		if s == "storage" || s == "platforms" {
			return true
		}
	}
	return false
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
