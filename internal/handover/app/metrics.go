package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesCreatedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handover",
			Name:      "deliveries_created_total",
			Help:      "Total deliveries created.",
		},
		[]string{"backend"},
	)

	deliveryTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handover",
			Name:      "delivery_state_transitions_total",
			Help:      "Total delivery lifecycle state transitions.",
		},
		[]string{"backend", "state"},
	)

	transferJobsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handover",
			Name:      "transfer_jobs_processed_total",
			Help:      "Total transfer jobs processed by the poller.",
		},
		[]string{"job_type", "status"}, // e.g., status: "success", "error_retry", "error_max_retries"
	)

	transferJobDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "handover",
			Name:      "transfer_job_duration_seconds",
			Help:      "Duration of transfer job runs.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job_type"},
	)

	pipelineCallbacksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handover",
			Name:      "pipeline_callbacks_total",
			Help:      "Total azure pipeline completion callbacks received.",
		},
		[]string{"outcome"}, // "success", "error_reported", "rejected"
	)
)
