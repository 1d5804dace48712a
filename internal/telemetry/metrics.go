// Package telemetry exposes Prometheus instrumentation. Metrics are held on
// an explicitly constructed value registered against a caller-supplied
// registry; there is no package-level state.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter and gauge the core emits.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued    prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsRetried     prometheus.Counter
	JobsDeadLetter  prometheus.Counter
	JobsReclaimed   prometheus.Counter
	QueueDepth      prometheus.Gauge
	JobsInFlight    prometheus.Gauge
	RunsStarted     prometheus.Counter
	RunsCompleted   prometheus.Counter
	RunsFailed      prometheus.Counter
	StepsExecuted   prometheus.Counter
	IdemReplays     prometheus.Counter
	IdemConflicts   prometheus.Counter
	RateLimitDenied prometheus.Counter
}

// New constructs and registers the metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		JobsEnqueued:    prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted by the queue"}),
		JobsCompleted:   prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}),
		JobsRetried:     prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs rescheduled after a recoverable failure"}),
		JobsDeadLetter:  prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter list"}),
		JobsReclaimed:   prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Jobs requeued after an expired lease"}),
		QueueDepth:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_depth", Help: "Ready depth across priority lists"}),
		JobsInFlight:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently held by workers"}),
		RunsStarted:     prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_runs_started_total", Help: "Workflow runs started"}),
		RunsCompleted:   prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_runs_completed_total", Help: "Workflow runs completed"}),
		RunsFailed:      prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_runs_failed_total", Help: "Workflow runs failed"}),
		StepsExecuted:   prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_steps_executed_total", Help: "Workflow steps executed"}),
		IdemReplays:     prometheus.NewCounter(prometheus.CounterOpts{Name: "idempotency_replays_total", Help: "Requests answered from a stored response"}),
		IdemConflicts:   prometheus.NewCounter(prometheus.CounterOpts{Name: "idempotency_conflicts_total", Help: "Keys reused with a different request body"}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"}),
	}
	m.registry.MustRegister(
		m.JobsEnqueued, m.JobsCompleted, m.JobsRetried, m.JobsDeadLetter, m.JobsReclaimed,
		m.QueueDepth, m.JobsInFlight,
		m.RunsStarted, m.RunsCompleted, m.RunsFailed, m.StepsExecuted,
		m.IdemReplays, m.IdemConflicts, m.RateLimitDenied,
	)
	return m
}

// Handler serves this metric set over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
