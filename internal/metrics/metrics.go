// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacards_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacards_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"type", "status"}, // status: done or failed
	)

	JobsReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediacards_jobs_reclaimed_total",
			Help: "Total number of stuck jobs force-failed",
		},
	)

	JobsCleanedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediacards_jobs_cleaned_total",
			Help: "Total number of terminal jobs removed by retention cleanup",
		},
	)

	WorkerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacards_worker_runs_total",
			Help: "Worker invocations by result",
		},
		[]string{"result"}, // processed, empty, error
	)

	TickIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacards_tick_iterations_total",
			Help: "Scheduling driver iterations by result",
		},
		[]string{"result"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacards_webhook_events_total",
			Help: "Storage webhook deliveries by outcome",
		},
		[]string{"outcome"}, // enqueued, ignored, rejected, unauthorized
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacards_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"class"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediacards_queue_depth",
			Help: "Jobs per status at the last probe",
		},
		[]string{"status"},
	)

	StuckJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediacards_stuck_jobs",
			Help: "Jobs processing longer than the detection threshold at the last probe",
		},
	)

	// Buckets: 50ms up to ~7 minutes
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediacards_job_duration_seconds",
			Help:    "Processor execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"type", "status"},
	)
)
