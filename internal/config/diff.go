package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reportd/pkg/logx"
)

// Change summarizes a config reload.
type Change struct {
	// Sections lists changed top-level keys, sorted.
	Sections []string
	// Attrs are safe structured fields for logging (never includes secrets or tokens).
	Attrs []logx.Field
	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// DefaultNotifier mirrors the runtime defaults applied when the notifier
// section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         1,
		QueueSize:       256,
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "5m",
		DedupMaxEntries: 1000,
	}
}

func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var c Change
	mark := func(section string, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Attrs = append(c.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Registry and dataset are bound at startup.
	if !reflect.DeepEqual(oldCfg.Registry, newCfg.Registry) {
		mark("registry",
			logx.String("registry.driver", strings.TrimSpace(newCfg.Registry.Driver)),
			logx.Bool("registry.path_set", strings.TrimSpace(newCfg.Registry.Path) != ""),
			logx.Bool("registry.redis_url_set", strings.TrimSpace(newCfg.Registry.RedisURL) != ""),
		)
		c.RestartRequired = append(c.RestartRequired, "registry")
	}
	if oldCfg.Dataset != newCfg.Dataset {
		mark("dataset",
			logx.String("dataset.driver", strings.TrimSpace(newCfg.Dataset.Driver)),
			logx.Bool("dataset.path_set", strings.TrimSpace(newCfg.Dataset.Path) != ""),
		)
		c.RestartRequired = append(c.RestartRequired, "dataset")
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.onetime_delay", strings.TrimSpace(newCfg.Scheduler.OneTimeDelay)),
			logx.String("scheduler.dispatch_retry", strings.TrimSpace(newCfg.Scheduler.DispatchRetry)),
		)
		if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled {
			c.RestartRequired = append(c.RestartRequired, "scheduler.enabled")
		}
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if oTE != nTE {
		mark("task_engine",
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	oD, nD := derefDelivery(oldCfg.Delivery), derefDelivery(newCfg.Delivery)
	if oD != nD {
		mark("delivery",
			logx.String("delivery.attempt_timeout", strings.TrimSpace(nD.AttemptTimeout)),
			logx.Int("delivery.rate_per_sec", nD.RatePerSec),
			logx.Int("delivery.parallelism", nD.Parallelism),
		)
	}

	if hashSecrets(oldCfg.Secrets) != hashSecrets(newCfg.Secrets) {
		mark("secrets", logx.Int("secrets.count", len(newCfg.Secrets)))
	}

	if !sameServer(oldCfg.API.Enabled, newCfg.API.Enabled, oldCfg.API.Addr, newCfg.API.Addr, oldCfg.API.Token, newCfg.API.Token) ||
		oldCfg.API.ReadTimeout != newCfg.API.ReadTimeout ||
		oldCfg.API.WriteTimeout != newCfg.API.WriteTimeout ||
		oldCfg.API.IdleTimeout != newCfg.API.IdleTimeout {
		mark("api",
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	oOps, nOps := oldCfg.Ops, newCfg.Ops
	oOps.Token, nOps.Token = tokenMarker(oOps.Token), tokenMarker(nOps.Token)
	if oOps != nOps || oldCfg.Ops.Token != newCfg.Ops.Token {
		mark("ops",
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.String("ops.prefix", strings.TrimSpace(newCfg.Ops.Prefix)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	defN := DefaultNotifier()
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &defN
	}
	if newN == nil {
		newN = &defN
	}
	if *oldN != *newN {
		mark("notifier",
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	// Telegram: never log the token.
	if oldCfg.Telegram != newCfg.Telegram {
		mark("telegram",
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.alert_chat_set", newCfg.Telegram.AlertChatID != 0),
			logx.Int("telegram.alert_thread_id", newCfg.Telegram.AlertThreadID),
		)
	}

	sort.Strings(c.Sections)
	sort.Strings(c.RestartRequired)
	return c
}

func sameServer(oEn, nEn bool, oAddr, nAddr, oTok, nTok string) bool {
	return oEn == nEn && strings.TrimSpace(oAddr) == strings.TrimSpace(nAddr) && oTok == nTok
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefDelivery(d *DeliveryConfig) DeliveryConfig {
	if d == nil {
		return DeliveryConfig{}
	}
	return *d
}
