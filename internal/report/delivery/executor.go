// Package delivery executes one firing: snapshot the dataset, render the
// artifact once, then attempt every recipient independently.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"reportd/internal/report"
	"reportd/internal/report/dataset"
	"reportd/internal/report/mailer"
	"reportd/internal/report/metrics"
	logx "reportd/pkg/logx"
)

const (
	DefaultAttemptTimeout = 30 * time.Second
	DefaultParallelism    = 4
)

type Datasets interface {
	Snapshot(ctx context.Context, name string) (dataset.Snapshot, error)
}

type Renderer interface {
	Render(snap dataset.Snapshot, format report.Format, generatedAt time.Time) ([]byte, error)
}

// Transport submits one message to one recipient. It should honour ctx; the
// executor stops waiting when ctx ends either way.
type Transport interface {
	Send(ctx context.Context, cfg report.DeliveryConfig, msg mailer.Message) error
}

type Config struct {
	// AttemptTimeout bounds each recipient attempt.
	AttemptTimeout time.Duration
	// RatePerSec paces attempts across all firings. 0 disables pacing.
	RatePerSec  float64
	Parallelism int
}

type Executor struct {
	log       logx.Logger
	datasets  Datasets
	renderer  Renderer
	transport Transport
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, datasets Datasets, renderer Renderer, transport Transport, log logx.Logger, m *metrics.Metrics) *Executor {
	e := &Executor{
		log:       log.With(logx.String("comp", "delivery")),
		datasets:  datasets,
		renderer:  renderer,
		transport: transport,
		metrics:   m,
		now:       time.Now,
	}
	e.Apply(cfg)
	return e
}

// Apply swaps tuning knobs. Firings already running keep their snapshot.
func (e *Executor) Apply(cfg Config) {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Executor) snapshot() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}

// Execute runs one firing of job scheduled for firedAt. It never returns an
// error: every failure is captured in the Outcome.
func (e *Executor) Execute(ctx context.Context, job report.Job, firedAt time.Time) report.Outcome {
	start := e.now()
	o := report.Outcome{
		FiringID: uuid.NewString(),
		JobID:    job.ID,
		Dataset:  job.DatasetName,
		FiredAt:  firedAt,
	}
	log := e.log.With(logx.String("job", job.ID), logx.String("firing", o.FiringID), logx.String("dataset", job.DatasetName))

	snap, err := e.datasets.Snapshot(ctx, job.DatasetName)
	if err != nil {
		if report.KindOf(err) == "" {
			err = report.DatasetUnavailable(job.DatasetName, err)
		}
		return e.finish(log, report.Failed(o, err), start)
	}

	generatedAt := e.now()
	artifact, err := e.renderer.Render(snap, job.Delivery.Format, generatedAt)
	if err != nil {
		if report.KindOf(err) == "" {
			err = report.RenderError(err)
		}
		return e.finish(log, report.Failed(o, err), start)
	}

	cfg, lim := e.snapshot()
	recipients := job.Delivery.Recipients
	results := make([]report.RecipientResult, len(recipients))

	var g errgroup.Group
	g.SetLimit(cfg.Parallelism)
	for i, to := range recipients {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					err := report.TransportRejected(fmt.Errorf("panic: %v", r))
					results[i] = report.RecipientResult{Recipient: to, Kind: report.KindOf(err), Error: err.Error()}
					e.metrics.ObserveAttempt(string(results[i].Kind))
					log.Error("delivery panic", logx.String("recipient", to), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			msg := mailer.Compose(job.DatasetName, job.Delivery.Format, artifact, job.Delivery.Sender, to, firedAt, generatedAt)
			results[i] = e.attempt(ctx, lim, cfg.AttemptTimeout, job.Delivery, msg)
			if !results[i].Succeeded {
				log.Warn("delivery failed", logx.String("recipient", to), logx.String("kind", string(results[i].Kind)), logx.String("err", results[i].Error))
			}
			return nil
		})
	}
	_ = g.Wait()

	o.Results = results
	o.Status = report.AggregateStatus(results)
	return e.finish(log, o, start)
}

func (e *Executor) attempt(ctx context.Context, lim *rate.Limiter, timeout time.Duration, cfg report.DeliveryConfig, msg mailer.Message) report.RecipientResult {
	res := report.RecipientResult{Recipient: msg.To}
	start := e.now()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := func() error {
		if lim != nil {
			if err := lim.Wait(actx); err != nil {
				return report.TransportTimeout(err)
			}
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("transport panic", logx.String("recipient", msg.To), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					done <- report.TransportRejected(fmt.Errorf("panic: %v", r))
				}
			}()
			done <- e.transport.Send(actx, cfg, msg)
		}()
		select {
		case err := <-done:
			return err
		case <-actx.Done():
			return report.TransportTimeout(actx.Err())
		}
	}()
	res.Duration = e.now().Sub(start)

	if err == nil {
		res.Succeeded = true
		e.metrics.ObserveAttempt("success")
		return res
	}
	if report.KindOf(err) == "" {
		if errors.Is(err, context.DeadlineExceeded) || actx.Err() != nil {
			err = report.TransportTimeout(err)
		} else {
			err = report.TransportRejected(err)
		}
	}
	res.Kind = report.KindOf(err)
	res.Error = err.Error()
	e.metrics.ObserveAttempt(string(res.Kind))
	return res
}

func (e *Executor) finish(log logx.Logger, o report.Outcome, start time.Time) report.Outcome {
	o.Duration = e.now().Sub(start)
	ok, failed := o.Counts()
	fields := []logx.Field{
		logx.String("status", string(o.Status)),
		logx.Int("succeeded", ok),
		logx.Int("failed", failed),
		logx.Duration("dur", o.Duration),
	}
	switch o.Status {
	case report.StatusSuccess:
		log.Info("firing finished", fields...)
	case report.StatusDegraded:
		log.Warn("firing finished with failures", fields...)
	default:
		log.Error("firing failed", append(fields, logx.String("kind", string(o.Kind)), logx.String("err", o.Error))...)
	}
	e.metrics.ObserveFiring(string(o.Status), o.Duration)
	return o
}
