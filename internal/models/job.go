package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind selects the worker pool that serves a job.
type JobKind string

const (
	KindSingleEvent      JobKind = "single-event"
	KindBatchEvents      JobKind = "batch-events"
	KindAggregateMetrics JobKind = "aggregate-metrics"
	KindScheduledCleanup JobKind = "scheduled-cleanup"
)

// AllJobKinds lists every kind that has a pool.
var AllJobKinds = []JobKind{KindSingleEvent, KindBatchEvents, KindAggregateMetrics, KindScheduledCleanup}

// JobState is the lifecycle position of a job.
//
//	waiting -> active -> completed
//	active  -> waiting (delayed until RunAt) while attempts < max
//	active  -> failed once attempts are exhausted
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
)

// Job is a unit of queued work. Payload is JSON encoded by the producer.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	Kind        JobKind    `json:"kind"`
	Payload     []byte     `json:"payload"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	State       JobState   `json:"state"`
	Priority    int        `json:"priority"`
	RunAt       time.Time  `json:"runAt"`
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// QueueStats counts jobs by state for one kind.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// SingleEventPayload is the payload of a single-event job.
type SingleEventPayload struct {
	Event Event `json:"event"`
}

// BatchEventsPayload is the payload of a batch-events job.
type BatchEventsPayload struct {
	Events []Event `json:"events"`
}

// AggregateMetricsPayload asks the aggregation pool to scan a time series.
type AggregateMetricsPayload struct {
	ProjectID  string     `json:"projectId"`
	MetricType string     `json:"metricType"`
	TimeWindow TimeWindow `json:"timeWindow"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
}
