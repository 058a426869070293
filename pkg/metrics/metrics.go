// Package metrics exposes the Prometheus instrumentation of the execution
// core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors shared by the api, worker and sweeper.
type Metrics struct {
	EventsReceived     *prometheus.CounterVec
	EnrollmentsCreated prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	StepsDispatched    *prometheus.CounterVec
	StepDuration       prometheus.Histogram
	BulkJobsFinished   *prometheus.CounterVec
	ResumesSwept       prometheus.Counter
}

// New registers the collectors with the registerer and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tideflow",
			Name:      "events_received_total",
			Help:      "Inbound domain events, by event type.",
		}, []string{"event_type"}),
		EnrollmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tideflow",
			Name:      "enrollments_created_total",
			Help:      "Executions created by triggers and bulk jobs.",
		}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tideflow",
			Name:      "executions_finished_total",
			Help:      "Executions reaching a terminal status.",
		}, []string{"status", "reason"}),
		StepsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tideflow",
			Name:      "steps_dispatched_total",
			Help:      "Step attempts by outcome.",
		}, []string{"status"}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tideflow",
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of action dispatches.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		BulkJobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tideflow",
			Name:      "bulk_jobs_finished_total",
			Help:      "Bulk enrollment jobs reaching a terminal status.",
		}, []string{"status"}),
		ResumesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tideflow",
			Name:      "resumes_swept_total",
			Help:      "Executions woken by the due-resume sweeper.",
		}),
	}

	reg.MustRegister(
		m.EventsReceived,
		m.EnrollmentsCreated,
		m.ExecutionsFinished,
		m.StepsDispatched,
		m.StepDuration,
		m.BulkJobsFinished,
		m.ResumesSwept,
	)

	return m
}
