package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/service"
)

// Metrics holds the Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	ToolCalls       *prometheus.CounterVec
	DecisionLatency prometheus.Histogram
	BackendErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ToolCalls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "tool_calls_total",
				Help:      "Total tool call proposals by tool and decision",
			},
			[]string{"tool", "decision"},
		),
		DecisionLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "toolgate",
				Name:      "decision_latency_ms",
				Help:      "Proposal-to-decision latency in milliseconds",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
		),
		BackendErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "backend_errors_total",
				Help:      "Total downstream backend failures by server",
			},
			[]string{"backend"},
		),
	}
}

// RecordToolCall counts one decided proposal.
func (m *Metrics) RecordToolCall(tool string, verdict decision.Verdict) {
	m.ToolCalls.WithLabelValues(tool, string(verdict)).Inc()
}

// ObserveDecisionLatency records proposal-to-decision latency.
func (m *Metrics) ObserveDecisionLatency(d time.Duration) {
	m.DecisionLatency.Observe(float64(d.Milliseconds()))
}

// RecordBackendError counts one downstream failure.
func (m *Metrics) RecordBackendError(backend string) {
	m.BackendErrors.WithLabelValues(backend).Inc()
}

// Compile-time check that Metrics implements the pipeline recorder.
var _ service.MetricsRecorder = (*Metrics)(nil)
