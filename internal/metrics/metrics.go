// Package metrics holds the Prometheus collectors for runs, jobs,
// notifications and the analytics cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bot"

// Metrics is the set of collectors shared by the runtime.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	SchedulerSkips  *prometheus.CounterVec
	SchedulerFires  *prometheus.CounterVec
	JobsEnqueued    *prometheus.CounterVec
	JobsProcessed   *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsInFlight    *prometheus.GaugeVec
	JobFailureHooks *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	AnalyticsCache  *prometheus.CounterVec
}

// New registers every collector on reg. A nil reg gets a private registry so
// tests can build many instances.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "runs_total",
			Help: "Operation invocations by terminal status.",
		}, []string{"operation", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "run_duration_seconds",
			Help:    "Operation wall time.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
		}, []string{"operation"}),
		SchedulerSkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "skips_total",
			Help: "Scheduled fires skipped because the previous run still holds the overlap lock.",
		}, []string{"operation"}),
		SchedulerFires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "fires_total",
			Help: "Scheduled fires by exit code.",
		}, []string{"operation", "exit_code"}),
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Enqueue calls; outcome is created or coalesced.",
		}, []string{"queue", "kind", "outcome"}),
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "jobs_processed_total",
			Help: "Job attempts by result.",
		}, []string{"queue", "kind", "result"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "job_duration_seconds",
			Help:    "Job attempt wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "kind"}),
		JobsInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "jobs_in_flight",
			Help: "Jobs currently executing.",
		}, []string{"queue"}),
		JobFailureHooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "failure_hooks_total",
			Help: "Failed hooks run after a job exhausted its attempts.",
		}, []string{"kind"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "deliveries_total",
			Help: "Notification deliveries by type, channel and status.",
		}, []string{"type", "channel", "status"}),
		AnalyticsCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analytics", Name: "cache_lookups_total",
			Help: "Trend cache lookups by result.",
		}, []string{"result"}),
	}
}
