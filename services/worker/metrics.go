package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricewatch_jobs_processed_total",
		Help: "Finished jobs by name and status (success, retry, failed)",
	}, []string{"job", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pricewatch_job_duration_seconds",
		Help:    "Job handler duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pricewatch_jobs_in_flight",
		Help: "Jobs currently executing in this process",
	})
)
