// Package metrics holds the Prometheus collectors shared by the poll loop,
// the escalation registry and the acknowledgment endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reddit_monitor"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PollsTotal          *prometheus.CounterVec
	PollDuration        prometheus.Histogram
	ItemsDetected       prometheus.Counter
	NotificationsSent   *prometheus.CounterVec
	EscalationsResolved *prometheus.CounterVec
	FallbackCalls       *prometheus.CounterVec
	AckRequests         *prometheus.CounterVec
	PendingEscalations  prometheus.Gauge
	AckLatency          prometheus.Histogram
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll ticks by result.",
		}, []string{"result"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of a poll tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		ItemsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_detected_total",
			Help:      "Items newly marked seen.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Primary notification attempts by channel and result.",
		}, []string{"channel", "result"}),
		EscalationsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_resolved_total",
			Help:      "Escalations leaving the pending state, by outcome.",
		}, []string{"outcome"}),
		FallbackCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_dispatch_total",
			Help:      "Fallback dispatch attempts by result.",
		}, []string{"result"}),
		AckRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_requests_total",
			Help:      "Acknowledgment endpoint requests by result.",
		}, []string{"result"}),
		PendingEscalations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_escalations",
			Help:      "Escalations currently waiting for acknowledgment.",
		}),
		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from notification to acknowledgment.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PollsTotal, m.PollDuration, m.ItemsDetected, m.NotificationsSent,
			m.EscalationsResolved, m.FallbackCalls, m.AckRequests, m.PendingEscalations, m.AckLatency,
		)
	}
	return m
}

func (m *Metrics) ObservePoll(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(result).Inc()
	m.PollDuration.Observe(d.Seconds())
}

func (m *Metrics) ItemDetected() {
	if m == nil {
		return
	}
	m.ItemsDetected.Inc()
}

func (m *Metrics) Notification(channel, result string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) EscalationResolved(outcome string) {
	if m == nil {
		return
	}
	m.EscalationsResolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fallback(result string) {
	if m == nil {
		return
	}
	m.FallbackCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) AckRequest(result string) {
	if m == nil {
		return
	}
	m.AckRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Acknowledged(after time.Duration) {
	if m == nil {
		return
	}
	m.AckLatency.Observe(after.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingEscalations.Set(float64(n))
}
