package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelsearch_jobs_dispatched_total",
		Help: "Worker jobs dispatched by kind",
	}, []string{"kind"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelsearch_jobs_failed_total",
		Help: "Worker jobs that failed permanently by kind",
	}, []string{"kind"})

	jobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelsearch_compare_retries_total",
		Help: "Comparisons retried with forced recompute",
	})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelsearch_job_duration_seconds",
		Help:    "Worker job duration",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"kind"})
)
