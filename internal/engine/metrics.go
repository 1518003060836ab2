package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/maestro/pkg/schema"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Executions   *prometheus.CounterVec
	StepAttempts *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	Active       prometheus.Gauge
}

// NewMetrics registers the engine collectors on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_executions_total",
				Help: "Executions that reached a terminal status",
			},
			[]string{"status"},
		),
		StepAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_step_attempts_total",
				Help: "Agent invocation attempts by outcome",
			},
			[]string{"agent_ref", "outcome"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_step_duration_seconds",
				Help:    "Wall time of successful steps including retries",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"agent_ref"},
		),
		Active: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "maestro_active_executions",
				Help: "Executions currently owned by this engine",
			},
		),
	}
}

func (m *Metrics) executionFinished(status schema.ExecutionStatus) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(string(status)).Inc()
}

// outcome is "ok" or an error kind.
func (m *Metrics) attempt(agentRef, outcome string) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(agentRef, outcome).Inc()
}

func (m *Metrics) stepDone(agentRef string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(agentRef).Observe(d.Seconds())
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.Active.Inc()
}

func (m *Metrics) runEnded() {
	if m == nil {
		return
	}
	m.Active.Dec()
}
