package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storegate/internal/types"
)

// Prometheus implements Recorder with counters and a latency histogram.
type Prometheus struct {
	registry *prometheus.Registry

	gateDecisions      *prometheus.CounterVec
	isolationDecisions *prometheus.CounterVec
	usageIncrements    *prometheus.CounterVec
	quotaWarnings      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates and registers all collectors on registry. A nil
// registry gets a fresh one.
func NewPrometheus(registry *prometheus.Registry) *Prometheus {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Prometheus{
		registry: registry,
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storegate_gate_decisions_total",
				Help: "Plan gate decisions by feature, outcome and denial code",
			},
			[]string{"feature", "outcome", "code"},
		),
		isolationDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storegate_isolation_decisions_total",
				Help: "Tenant isolation guard decisions",
			},
			[]string{"outcome", "code"},
		),
		usageIncrements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storegate_usage_increments_total",
				Help: "Usage counter increments by result",
			},
			[]string{"feature", "outcome"},
		),
		quotaWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storegate_quota_warnings_dispatched_total",
				Help: "Quota warning notifications handed to the dispatcher",
			},
			[]string{"feature"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storegate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
	}
	registry.MustRegister(
		m.gateDecisions,
		m.isolationDecisions,
		m.usageIncrements,
		m.quotaWarnings,
		m.requestDuration,
	)
	return m
}

func (m *Prometheus) GateDecision(feature, outcome string, code types.ErrorCode) {
	m.gateDecisions.WithLabelValues(feature, outcome, codeLabel(code)).Inc()
}

func (m *Prometheus) IsolationDecision(outcome string, code types.ErrorCode) {
	m.isolationDecisions.WithLabelValues(outcome, codeLabel(code)).Inc()
}

func (m *Prometheus) UsageIncrement(feature, outcome string) {
	m.usageIncrements.WithLabelValues(feature, outcome).Inc()
}

func (m *Prometheus) QuotaWarning(feature string) {
	m.quotaWarnings.WithLabelValues(feature).Inc()
}

func (m *Prometheus) RequestLatency(endpoint string, status int, d time.Duration) {
	m.requestDuration.WithLabelValues(endpoint, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
