package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		jobsTotal,
		jobDurationSeconds,
	)
}

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_jobs_total",
			Help: "Background jobs by type and result (enqueued/succeeded/retried/failed).",
		},
		[]string{"job_type", "result"},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "membership_job_duration_seconds",
			Help:    "Background job run time.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job_type"},
	)
)

func IncJob(jobType, result string) {
	jobsTotal.WithLabelValues(norm(jobType), norm(result)).Inc()
}

func ObserveJobDuration(jobType string, d time.Duration) {
	jobDurationSeconds.WithLabelValues(norm(jobType)).Observe(d.Seconds())
}
