// Package metrics provides Prometheus metrics for the Pollen service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncJobsTotal tracks sync jobs by provider, job type and final state
	SyncJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollen",
			Subsystem: "executor",
			Name:      "sync_jobs_total",
			Help:      "Total number of sync jobs by final state",
		},
		[]string{"provider", "job_type", "state"},
	)

	// SyncJobDuration tracks sync job duration in seconds
	SyncJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pollen",
			Subsystem: "executor",
			Name:      "sync_job_duration_seconds",
			Help:      "Duration of sync jobs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "job_type"},
	)

	// SyncJobsInFlight tracks jobs currently being processed
	SyncJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pollen",
			Subsystem: "executor",
			Name:      "sync_jobs_in_flight",
			Help:      "Number of sync jobs currently being processed",
		},
	)

	// SignalsEmitted tracks signals persisted by provider and kind
	SignalsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollen",
			Subsystem: "signals",
			Name:      "emitted_total",
			Help:      "Total number of signals persisted",
		},
		[]string{"provider", "kind"},
	)

	// SignalsDeduplicated tracks signals dropped as duplicates
	SignalsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollen",
			Subsystem: "signals",
			Name:      "deduplicated_total",
			Help:      "Total number of signals dropped as duplicates",
		},
		[]string{"provider"},
	)

	// WebhookVerifications tracks webhook verification outcomes by reason
	WebhookVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollen",
			Subsystem: "webhooks",
			Name:      "verifications_total",
			Help:      "Total number of webhook verification outcomes by reason code",
		},
		[]string{"provider", "reason"},
	)

	// TokenRefreshes tracks token refresh attempts by provider and outcome
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollen",
			Subsystem: "oauth",
			Name:      "token_refreshes_total",
			Help:      "Total number of token refresh attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// SchedulerJobsEnqueued tracks jobs enqueued by the scheduler
	SchedulerJobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollen",
			Subsystem: "scheduler",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of sync jobs enqueued",
		},
		[]string{"provider", "job_type"},
	)

	// ProviderThrottleHits tracks provider budget exhaustion
	ProviderThrottleHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollen",
			Subsystem: "throttle",
			Name:      "hits_total",
			Help:      "Total number of provider throttle hits",
		},
		[]string{"provider"},
	)

	// ProviderRequestDuration tracks provider API call duration
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pollen",
			Subsystem: "connectors",
			Name:      "request_duration_seconds",
			Help:      "Duration of provider API calls in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "operation"},
	)
)
