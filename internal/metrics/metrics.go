// Package metrics declares the Prometheus collectors of the pipeline.
// They register on the default registry and are served at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue

	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Jobs durably admitted to the ingestion queue",
		},
		[]string{"kind"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Jobs acknowledged as completed",
		},
		[]string{"kind"},
	)

	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_retried_total",
			Help: "Jobs returned to waiting after a failed attempt",
		},
		[]string{"kind"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_failed_total",
			Help: "Jobs parked as failed after exhausting attempts",
		},
		[]string{"kind"},
	)

	JobsStalled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_stalled_total",
			Help: "Active jobs whose lock expired and were treated as failed attempts",
		},
		[]string{"kind"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Time spent processing one job",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "outcome"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_jobs",
			Help: "Jobs per kind and state, refreshed on every stats read",
		},
		[]string{"kind", "state"},
	)

	// Stores

	MetricUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_metric_upserts_total",
			Help: "Observations merged into aggregates",
		},
		[]string{"window"},
	)

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_store_op_duration_seconds",
			Help:    "Duration of durable store writes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_store_errors_total",
			Help: "Store write failures by error kind",
		},
		[]string{"op", "kind"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_circuit_breaker_state",
			Help: "0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)

	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_retention_deleted_total",
			Help: "Rows removed by retention cleanup",
		},
		[]string{"table"},
	)

	// Fan-out

	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_notifications_published_total",
			Help: "Notifications handed to the subscription registry",
		},
		[]string{"type"},
	)

	NotificationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_notification_errors_total",
			Help: "Notifications that failed to publish and were dropped",
		},
		[]string{"type"},
	)

	SubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_subscribers_dropped_total",
			Help: "Subscribers disconnected because their send buffer was full",
		},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_websocket_connections",
			Help: "Open dashboard websocket connections",
		},
	)

	// HTTP

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_rate_limited_total",
			Help: "Ingestion requests rejected by the per-key limiter",
		},
	)
)
