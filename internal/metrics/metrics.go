// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tollgate"

// Metrics groups all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	LedgerOps       *prometheus.CounterVec
	Sessions        *prometheus.CounterVec
	Webhooks        *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	Fragments       prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LedgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Metered sessions by terminal state.",
		}, []string{"state"}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Payment webhooks by outcome.",
		}, []string{"outcome"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from reservation to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_streamed_total",
			Help:      "Content fragments delivered to callers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.LedgerOps, m.Sessions, m.Webhooks, m.SessionDuration, m.Fragments)
	}
	return m
}

func (m *Metrics) LedgerOp(op, outcome string) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) SessionFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(state).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) Fragment() {
	if m == nil {
		return
	}
	m.Fragments.Inc()
}

func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(outcome).Inc()
}
