package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Jobs processed, by queue and resulting status.",
		},
		[]string{"queue", "status"},
	)

	jobDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outreach",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Handler run time.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	jobsEnqueuedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs enqueued, by queue.",
		},
		[]string{"queue"},
	)
)
