package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"reportd/internal/config"
	"reportd/internal/eventbus"
	"reportd/internal/notifier"
	"reportd/internal/observability/ops"
	"reportd/internal/report/api"
	"reportd/internal/report/dataset"
	"reportd/internal/report/delivery"
	"reportd/internal/report/mailer"
	"reportd/internal/report/metrics"
	"reportd/internal/report/registry"
	"reportd/internal/report/render"
	"reportd/internal/report/scheduler"
	rtsup "reportd/internal/runtime/supervisor"
	"reportd/internal/task/engine"
	kit "reportd/internal/transport"
	"reportd/internal/transport/telegram"
	logx "reportd/pkg/logx"
)

const openTimeout = 15 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	// runCtx outlives sup so components can drain after the background
	// loops are cancelled.
	runCtx    context.Context
	runCancel context.CancelFunc

	log  logx.Logger
	base logx.Logger // untagged; components add their own comp
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store        registry.Store
	closeDataset func() error
	secrets      *mailer.Secrets

	engine *engine.Service
	exec   *delivery.Executor
	core   *scheduler.Core
	api    *api.Server
	ops    *ops.Service
	notif  *notifier.Service
	alerts *notifier.Alerts

	schedEnabled bool
}

// NewApp loads the config file and builds every component. The registry
// and dataset store are opened here so a bad deployment fails before
// anything starts.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(reg)

	octx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	rc, _ := mapRegistryConfig(cfg)
	store, err := registry.Open(octx, rc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	dc, _ := mapDatasetConfig(cfg)
	ds, closeDS, err := dataset.Open(octx, dc, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	engCfg, _ := mapTaskEngineConfig(cfg)
	eng := engine.New(engCfg, log, bus)

	secrets := mailer.NewSecrets(cfg.Secrets)
	smtp := mailer.NewSMTP(secrets, log)
	delCfg, _ := mapDeliveryConfig(cfg)
	exec := delivery.New(delCfg, ds, render.New(), smtp, log, m)

	schedCfg, _ := mapSchedulerConfig(cfg)
	core := scheduler.New(schedCfg, store, exec, eng, log, bus, m)

	apiCfg, _ := mapAPIConfig(cfg)
	apiSrv := api.NewServer(apiCfg, api.NewService(core, eng, log), log)

	ncfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, newSender(cfg, appLog, log), log, bus)
	alerts := notifier.NewAlerts(notif, log)
	alerts.SetTarget(alertTarget(cfg))

	a := &App{
		cfgm:         cfgm,
		log:          appLog,
		base:         log,
		logs:         logSvc,
		bus:          bus,
		reg:          reg,
		store:        store,
		closeDataset: closeDS,
		secrets:      secrets,
		engine:       eng,
		exec:         exec,
		core:         core,
		api:          apiSrv,
		notif:        notif,
		alerts:       alerts,
		schedEnabled: cfg.Scheduler.Enabled,
	}
	opsCfg, _ := mapOpsConfig(cfg)
	a.ops = ops.New(opsCfg, log, reg, a.status)
	return a, nil
}

// newSender returns the telegram adapter, or nil when no token is set.
func newSender(cfg *config.Config, appLog, log logx.Logger) kit.Sender {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, log)
	if err != nil {
		appLog.Warn("telegram alerts disabled", logx.Err(err))
		return nil
	}
	return ad
}

func alertTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.Telegram.AlertChatID, ThreadID: cfg.Telegram.AlertThreadID}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// APIAddr is the bound address of the management API ("" when disabled).
func (a *App) APIAddr() string { return a.api.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.runCancel = context.WithCancel(ctx)
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if a.schedEnabled {
		a.engine.Start(a.runCtx)
		if err := a.core.Start(a.runCtx); err != nil {
			a.runCancel()
			return fmt.Errorf("scheduler start: %w", err)
		}
	} else {
		a.log.Warn("scheduler disabled; schedule API calls fail until it is enabled and the daemon restarted")
	}

	a.notif.Start(a.runCtx)
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("alerts", func(c context.Context) {
		defer unsub()
		_ = a.alerts.Run(c, events)
	})

	debugEvents, unsubDebug := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubDebug()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-debugEvents:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.api.Start(a.runCtx)
	a.ops.Start(a.runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		err := a.cfgm.Watch(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log, a.healthy)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Bool("scheduler", a.schedEnabled),
		logx.String("api_addr", a.api.Addr()),
		logx.String("ops_addr", a.ops.Addr()),
	)
	return nil
}

// applyConfig fans a validated config out to every component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	change := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(change.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(change.RestartRequired, ",")))
	}

	if change.Has("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if change.Has("secrets") {
		a.secrets.Set(newCfg.Secrets)
	}
	if change.Has("task_engine") && a.schedEnabled {
		if ec, err := mapTaskEngineConfig(newCfg); err == nil {
			ec.Enabled = true
			a.engine.Apply(a.runCtx, ec)
		}
	}
	if change.Has("delivery") {
		if dc, err := mapDeliveryConfig(newCfg); err == nil {
			a.exec.Apply(dc)
		}
	}
	if change.Has("scheduler") && a.schedEnabled {
		sc, err := mapSchedulerConfig(newCfg)
		if err == nil {
			if err := a.core.SetLocation(ctx, sc.Location); err != nil {
				a.log.Warn("scheduler timezone not applied", logx.Err(err))
			}
		}
		if oldCfg.Scheduler.OneTimeDelay != newCfg.Scheduler.OneTimeDelay ||
			oldCfg.Scheduler.DispatchRetry != newCfg.Scheduler.DispatchRetry {
			a.log.Warn("scheduler.onetime_delay and scheduler.dispatch_retry apply after restart")
		}
	}
	if change.Has("api") {
		if ac, err := mapAPIConfig(newCfg); err == nil {
			a.api.Reconfigure(a.runCtx, ac)
		}
	}
	if change.Has("ops") {
		if oc, err := mapOpsConfig(newCfg); err == nil {
			a.ops.Reconfigure(a.runCtx, oc)
		}
	}
	if change.Has("telegram") {
		if oldCfg.Telegram.Token != newCfg.Telegram.Token {
			a.notif.SetSender(newSender(newCfg, a.log, a.base))
		}
		a.alerts.SetTarget(alertTarget(newCfg))
	}
	if change.Has("notifier") {
		if nc, err := mapNotifierConfig(newCfg); err == nil {
			was := a.notif.Enabled()
			a.notif.Apply(nc)
			switch {
			case was && !nc.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !was && nc.Enabled:
				a.notif.Start(a.runCtx)
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: change.Sections})
}

func (a *App) healthy() bool {
	if !a.schedEnabled {
		return true
	}
	select {
	case <-a.core.Done():
		return false
	default:
		return true
	}
}

// status backs the ops /status endpoint.
func (a *App) status() any {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	armed, err := a.core.Armed(ctx)
	st := map[string]any{
		"healthy":    a.healthy(),
		"scheduler":  a.schedEnabled,
		"armed_jobs": armed,
		"engine":     a.engine.Snapshot(),
		"supervisor": a.sup.Snapshot(),
		"alerts":     len(a.notif.Snapshot()),
	}
	if err != nil {
		st["scheduler_error"] = err.Error()
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Background loops (reload, watch, alerts) go first.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// New schedules stop first, then in-flight firings drain.
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("scheduler", 10*time.Second, func(c context.Context) error { a.core.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("registry", 2*time.Second, func(context.Context) error {
		return errors.Join(a.store.Close(), a.closeDataset())
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.runCancel()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
