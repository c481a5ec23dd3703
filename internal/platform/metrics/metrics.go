// Package metrics exposes Prometheus collectors for consent decisions,
// cross-facility access outcomes and audit pipeline health.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	consentTransitions *prometheus.CounterVec
	accessOutcomes     *prometheus.CounterVec
	peerFetchDuration  *prometheus.HistogramVec
	auditWrites        *prometheus.CounterVec
	auditQueueDepth    prometheus.Gauge
	suspiciousFlags    *prometheus.CounterVec
	notifications      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		consentTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfacility_consent_transitions_total",
				Help: "Consent state transitions by target state",
			},
			[]string{"to_state"},
		),
		accessOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfacility_access_requests_total",
				Help: "Cross-facility record requests by outcome",
			},
			[]string{"outcome"},
		),
		peerFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xfacility_peer_fetch_duration_seconds",
				Help:    "Duration of record fetches from peer facilities",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"outcome"},
		),
		auditWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfacility_audit_writes_total",
				Help: "Access audit log writes by result",
			},
			[]string{"result"},
		),
		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xfacility_audit_queue_depth",
			Help: "Audit entries waiting to be written",
		}),
		suspiciousFlags: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfacility_suspicious_activity_flags_total",
				Help: "Suspicious activity heuristics that fired",
			},
			[]string{"heuristic"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfacility_notifications_total",
				Help: "Outbound consent notifications by result",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.consentTransitions,
		m.accessOutcomes,
		m.peerFetchDuration,
		m.auditWrites,
		m.auditQueueDepth,
		m.suspiciousFlags,
		m.notifications,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and for registering extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConsentTransition(toState string) {
	if m == nil {
		return
	}
	m.consentTransitions.WithLabelValues(toState).Inc()
}

func (m *Metrics) ConsentTransitions(toState string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.consentTransitions.WithLabelValues(toState).Add(float64(n))
}

func (m *Metrics) AccessOutcome(outcome string) {
	if m == nil {
		return
	}
	m.accessOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePeerFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.peerFetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) AuditWrite(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.auditWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) AuditQueueDepth(n int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(n))
}

func (m *Metrics) SuspiciousFlag(heuristic string) {
	if m == nil {
		return
	}
	m.suspiciousFlags.WithLabelValues(heuristic).Inc()
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}
