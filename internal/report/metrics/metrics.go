// Package metrics exposes Prometheus collectors for scheduler and delivery
// activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reportd"

type Metrics struct {
	firings        *prometheus.CounterVec
	firingDuration prometheus.Histogram
	attempts       *prometheus.CounterVec
	armed          prometheus.Gauge
	registryErrors *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg (the default registerer
// when nil). Re-registering reuses the existing collectors so tests and
// restarts within one process do not panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "firings_total",
			Help:      "Firings by aggregate status.",
		}, []string{"status"}),
		firingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "firing_duration_seconds",
			Help:      "Wall time of a firing from dataset snapshot to last delivery attempt.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Per-recipient delivery attempts by result.",
		}, []string{"result"}),
		armed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "armed_jobs",
			Help:      "Jobs currently armed in the scheduler.",
		}),
		registryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "errors_total",
			Help:      "Failed registry operations.",
		}, []string{"op"}),
	}

	for _, c := range []prometheus.Collector{m.firings, m.firingDuration, m.attempts, m.armed, m.registryErrors} {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch existing := are.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				switch c {
				case m.firings:
					m.firings = existing
				case m.attempts:
					m.attempts = existing
				case m.registryErrors:
					m.registryErrors = existing
				}
			case prometheus.Histogram:
				m.firingDuration = existing
			case prometheus.Gauge:
				m.armed = existing
			}
		}
	}
	return m
}

// ObserveFiring records one completed firing.
func (m *Metrics) ObserveFiring(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.firings.WithLabelValues(status).Inc()
	if d > 0 {
		m.firingDuration.Observe(d.Seconds())
	}
}

// ObserveAttempt records one recipient attempt. result is "success" or an
// error kind.
func (m *Metrics) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetArmed(n int) {
	if m == nil {
		return
	}
	m.armed.Set(float64(n))
}

func (m *Metrics) RegistryError(op string) {
	if m == nil {
		return
	}
	m.registryErrors.WithLabelValues(op).Inc()
}
