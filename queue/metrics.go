package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Job outcomes recorded by the processed counter.
const (
	outcomeCompleted    = "completed"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
	outcomeDropped      = "dropped"
)

// Metrics holds the queue service's Prometheus collectors.
type Metrics struct {
	enqueued    *prometheus.CounterVec
	processed   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	recovered   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_queue_jobs_enqueued_total",
				Help: "Total number of jobs enqueued",
			},
			[]string{"queue"},
		),
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_queue_jobs_processed_total",
				Help: "Total number of job deliveries by outcome",
			},
			[]string{"queue", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "automation_queue_job_duration_seconds",
				Help:    "Time spent handling one job delivery",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		recovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_queue_jobs_recovered_total",
				Help: "Total number of jobs made ready again after their lease expired",
			},
			[]string{"queue"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.enqueued, m.processed, m.jobDuration, m.recovered)
	}
	return m
}
