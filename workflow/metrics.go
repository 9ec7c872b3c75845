package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the executor's Prometheus collectors.
type Metrics struct {
	executionsTotal  *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepRetries      prometheus.Counter
	activeExecutions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_executions_total",
				Help: "Total number of finished workflow executions",
			},
			[]string{"status"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_steps_total",
				Help: "Total number of finished step executions",
			},
			[]string{"type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "automation_step_duration_seconds",
				Help:    "Duration of step executions including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		stepRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "automation_step_retries_total",
				Help: "Total number of step retry attempts",
			},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "automation_active_executions",
				Help: "Number of executions currently running in this process",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.executionsTotal, m.stepsTotal, m.stepDuration, m.stepRetries, m.activeExecutions)
	}
	return m
}
