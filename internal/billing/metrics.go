package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects webhook counters. A nil *Metrics is valid and records
// nothing, so callers without a registry can pass nil.
type Metrics struct {
	events      *prometheus.CounterVec
	sigFailures prometheus.Counter
}

// NewMetrics creates webhook metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calliope_webhook_events_total",
			Help: "Webhook events received, by event type and outcome.",
		}, []string{"type", "outcome"}),
		sigFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calliope_webhook_signature_failures_total",
			Help: "Webhook requests rejected for an invalid signature.",
		}),
	}
	reg.MustRegister(m.events, m.sigFailures)
	return m
}

func (m *Metrics) recordEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) recordSignatureFailure() {
	if m == nil {
		return
	}
	m.sigFailures.Inc()
}
