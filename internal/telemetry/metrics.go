package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	stageExecutions *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	gatesReached    *prometheus.CounterVec
	approvals       *prometheus.CounterVec
	retries         *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry. It returns nil when metrics are disabled.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "stageline"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stage_executions_total",
			Help:      "Stage executor invocations by outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in the stage executor.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		gatesReached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "gates_reached_total",
			Help:      "Runs suspended at an approval gate.",
		}, []string{"stage"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "approvals_total",
			Help:      "Gates approved.",
		}, []string{"stage"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_total",
			Help:      "Failed stages reset for another attempt.",
		}, []string{"stage"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a completed or failed status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(m.stageExecutions, m.stageDuration, m.gatesReached, m.approvals, m.retries, m.runsFinished)
	return m
}

func (m *Metrics) StageExecuted(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageExecutions.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) GateReached(stage string) {
	if m == nil {
		return
	}
	m.gatesReached.WithLabelValues(stage).Inc()
}

func (m *Metrics) Approved(stage string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(stage).Inc()
}

func (m *Metrics) Retried(stage string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
