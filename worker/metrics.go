package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for job processing. A nil
// registerer produces unregistered instruments, which tests rely on.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobRetries    prometheus.Counter
	JobDuration   *prometheus.HistogramVec
}

// NewMetrics creates the worker instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialectic",
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Jobs processed, labeled by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		JobRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dialectic",
			Subsystem: "worker",
			Name:      "job_retries_total",
			Help:      "Jobs requeued after a transient failure.",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dialectic",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Job handler duration, labeled by job type.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job_type"}),
	}
}
