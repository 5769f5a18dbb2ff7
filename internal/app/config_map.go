package app

import (
	"fmt"
	"strings"
	"time"

	"reportd/internal/config"
	"reportd/internal/httpsrv"
	"reportd/internal/notifier"
	"reportd/internal/observability/ops"
	"reportd/internal/report/dataset"
	"reportd/internal/report/delivery"
	"reportd/internal/report/registry"
	"reportd/internal/report/scheduler"
	"reportd/internal/task/engine"
	logx "reportd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	rc := cfg.Registry
	driver := strings.ToLower(strings.TrimSpace(rc.Driver))
	busy, err := config.ParseDurationField("registry.busy_timeout", rc.BusyTimeout)
	if err != nil {
		return registry.Config{}, err
	}
	ttl, err := config.ParseDurationField("registry.lease_ttl", rc.LeaseTTL)
	if err != nil {
		return registry.Config{}, err
	}
	out := registry.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(rc.Path),
		BusyTimeout: busy,
		RedisURL:    strings.TrimSpace(rc.RedisURL),
		KeyPrefix:   rc.KeyPrefix,
		LeaseTTL:    ttl,
	}
	switch driver {
	case "", "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return registry.Config{}, fmt.Errorf("registry.path is required when registry.driver=%s", orDefault(driver, "file"))
		}
	case "redis":
		if out.RedisURL == "" {
			return registry.Config{}, fmt.Errorf("registry.redis_url is required when registry.driver=redis")
		}
	default:
		return registry.Config{}, fmt.Errorf("unknown registry.driver: %s", rc.Driver)
	}
	return out, nil
}

func mapDatasetConfig(cfg *config.Config) (dataset.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Dataset.Driver))
	path := strings.TrimSpace(cfg.Dataset.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			return dataset.Config{}, fmt.Errorf("dataset.path is required when dataset.driver=sqlite")
		}
	case "memory":
	default:
		return dataset.Config{}, fmt.Errorf("unknown dataset.driver: %s", cfg.Dataset.Driver)
	}
	return dataset.Config{Driver: driver, Path: path}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return scheduler.Config{}, err
	}
	delay, err := config.ParseDurationField("scheduler.onetime_delay", cfg.Scheduler.OneTimeDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	retry, err := config.ParseDurationOrDefault("scheduler.dispatch_retry", cfg.Scheduler.DispatchRetry, scheduler.DefaultDispatchRetry)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Location: loc, OneTimeDelay: delay, DispatchRetry: retry}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	// Zero values pick the engine defaults.
	return engine.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := config.DeliveryConfig{}
	if cfg.Delivery != nil {
		d = *cfg.Delivery
	}
	if d.RatePerSec < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.rate_per_sec must be >= 0")
	}
	if d.Parallelism < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.parallelism must be >= 0")
	}
	timeout, err := config.ParseDurationField("delivery.attempt_timeout", d.AttemptTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		AttemptTimeout: timeout,
		RatePerSec:     float64(d.RatePerSec),
		Parallelism:    d.Parallelism,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (httpsrv.Config, error) {
	c := cfg.API
	rt, err := config.ParseDurationOrDefault("api.read_timeout", c.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpsrv.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("api.write_timeout", c.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpsrv.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("api.idle_timeout", c.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpsrv.Config{}, err
	}
	return httpsrv.Config{
		Enabled:      c.Enabled,
		Addr:         strings.TrimSpace(c.Addr),
		Token:        strings.TrimSpace(c.Token),
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	c := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", c.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// 0 keeps /profile usable.
	wt, err := config.ParseDurationField("ops.write_timeout", c.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", c.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Config: httpsrv.Config{
			Enabled:       c.Enabled,
			Addr:          strings.TrimSpace(c.Addr),
			Token:         strings.TrimSpace(c.Token),
			AllowInsecure: c.AllowInsecure,
			ReadTimeout:   rt,
			WriteTimeout:  wt,
			IdleTimeout:   it,
		},
		Prefix:      c.Prefix,
		MetricsPath: c.MetricsPath,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

// validateConfig runs every mapping so a bad reload is rejected before it
// is committed.
func validateConfig(cfg *config.Config) error {
	if _, err := mapRegistryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDatasetConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	for name := range cfg.Secrets {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("secrets: empty name")
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
