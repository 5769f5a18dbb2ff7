// Package scheduler is the scheduler core: the only writer of the job
// registry and the only owner of armed timers.
//
// All state lives in one loop goroutine. Management calls, firing
// completions and timer expiry are serialized through the control channel,
// so registry writes never race and arming order is deterministic.
//
// Firings are handed to the task engine and never run on the loop.
// Delivery is at-least-once across crashes: a recurring job's persisted
// next_fire_at only advances when its firing completes, and a one-time job
// is deleted only after its firing completes.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"reportd/internal/eventbus"
	"reportd/internal/report"
	"reportd/internal/report/metrics"
	"reportd/internal/report/registry"
	"reportd/internal/report/trigger"
	"reportd/internal/task/engine"
	logx "reportd/pkg/logx"
)

var (
	ErrNotStarted = errors.New("scheduler not started")
	ErrStopped    = errors.New("scheduler stopped")
)

const (
	DefaultDispatchRetry = 30 * time.Second
	controlBuffer        = 64
)

// Executor runs one firing.
type Executor interface {
	Execute(ctx context.Context, job report.Job, firedAt time.Time) report.Outcome
}

// Engine accepts firings for asynchronous execution. *engine.Service
// satisfies it.
type Engine interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	Location     *time.Location
	OneTimeDelay time.Duration
	// DispatchRetry is how long to wait before re-arming a firing the
	// engine refused (queue full, disabled).
	DispatchRetry time.Duration
	// FiringTimeout bounds one firing. 0 uses the engine default.
	FiringTimeout time.Duration
}

// tracked is a job known to the loop. gen changes on every replace so late
// completions of an older definition are recognised.
type tracked struct {
	job report.Job
	gen uint64
}

type Core struct {
	log     logx.Logger
	store   registry.Store
	exec    Executor
	eng     Engine
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	ctrl    chan func()
	stopped chan struct{}
	stopReq chan struct{}

	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once

	// Loop-owned.
	cfg      Config
	calc     *trigger.Calculator
	queue    *timerQueue
	jobs     map[string]*tracked
	gen      uint64
	inFlight int
	draining bool
}

func New(cfg Config, store registry.Store, exec Executor, eng Engine, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Core {
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = withDefaults(cfg)
	return &Core{
		log:     log.With(logx.String("comp", "scheduler")),
		store:   store,
		exec:    exec,
		eng:     eng,
		bus:     bus,
		metrics: m,
		now:     time.Now,
		ctrl:    make(chan func(), controlBuffer),
		stopped: make(chan struct{}),
		stopReq: make(chan struct{}),
		cfg:     cfg,
		calc:    trigger.New(cfg.Location, cfg.OneTimeDelay),
		queue:   newTimerQueue(),
		jobs:    map[string]*tracked{},
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.OneTimeDelay <= 0 {
		cfg.OneTimeDelay = trigger.DefaultOneTimeDelay
	}
	if cfg.DispatchRetry <= 0 {
		cfg.DispatchRetry = DefaultDispatchRetry
	}
	return cfg
}

// Start loads every job from the registry, arms it and starts the loop.
// Jobs whose persisted fire time has passed are armed for immediate firing,
// once. A registry read failure aborts the start.
func (c *Core) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}

	jobs, err := c.store.List(ctx)
	if err != nil {
		c.metrics.RegistryError("list")
		return err
	}
	now := c.now()
	pastDue := 0
	for _, j := range jobs {
		// The persisted slot only tells whether the job came due while we
		// were down. Future slots of recurring jobs are recomputed from now
		// so a timezone change takes effect on the first firing.
		slot := j.State.NextFireAt
		at := slot
		switch {
		case !slot.IsZero() && !slot.After(now):
			at = now
			pastDue++
		case slot.IsZero() || j.Schedule.Recurring():
			slot, err = c.calc.Next(j.Schedule, now)
			if err != nil {
				c.log.Error("skipping job with invalid schedule", logx.String("job", j.ID), logx.Err(err))
				continue
			}
			at = slot
		}
		j.State.NextFireAt = slot
		c.gen++
		c.jobs[j.ID] = &tracked{job: j, gen: c.gen}
		c.queue.arm(j.ID, slot, at)
	}
	c.metrics.SetArmed(c.queue.Len())
	c.log.Info("scheduler started",
		logx.Int("jobs", len(jobs)),
		logx.Int("past_due", pastDue),
		logx.String("tz", c.cfg.Location.String()),
	)

	c.started = true
	go c.loop(ctx)
	return nil
}

// Stop stops dispatching and waits, bounded by ctx, for in-flight firings to
// report back so their outcome is persisted.
func (c *Core) Stop(ctx context.Context) {
	c.startMu.Lock()
	started := c.started
	c.startMu.Unlock()
	if !started {
		return
	}
	c.stopOnce.Do(func() { close(c.stopReq) })
	select {
	case <-c.stopped:
	case <-ctx.Done():
		c.log.Warn("scheduler stop timed out; in-flight firings will repeat after restart")
	}
}

// Done is closed when the loop has exited.
func (c *Core) Done() <-chan struct{} { return c.stopped }

func (c *Core) loop(ctx context.Context) {
	defer close(c.stopped)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	stopReq := c.stopReq
	for {
		if c.draining && c.inFlight == 0 {
			c.log.Info("scheduler stopped")
			return
		}

		var wake <-chan time.Time
		if top := c.queue.peek(); top != nil && !c.draining {
			timer.Reset(max(0, top.at.Sub(c.now())))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			c.log.Info("scheduler stopped", logx.String("reason", "context"), logx.Int("in_flight", c.inFlight))
			return
		case <-stopReq:
			stopReq = nil
			c.draining = true
			c.log.Info("scheduler draining", logx.Int("in_flight", c.inFlight))
		case fn := <-c.ctrl:
			fn()
		case <-wake:
			c.fireDue()
		}
		timer.Stop()
	}
}

// do runs fn on the loop and waits for it. Once fn is accepted it always
// runs to completion even if ctx ends meanwhile.
func (c *Core) do(ctx context.Context, fn func()) error {
	c.startMu.Lock()
	started := c.started
	c.startMu.Unlock()
	if !started {
		return ErrNotStarted
	}

	done := make(chan struct{})
	select {
	case c.ctrl <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// post hands fn to the loop without waiting. Used by firing callbacks; if
// the loop is gone the result is dropped and recovered from the registry
// on the next start.
func (c *Core) post(fn func()) {
	select {
	case c.ctrl <- fn:
	case <-c.stopped:
	}
}

func (c *Core) publish(typ string, data any) {
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}
