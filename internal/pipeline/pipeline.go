// Package pipeline is the admission and query facade used by the HTTP layer.
// Admission validates input, assigns event identifiers and enqueues; it
// returns once the job is durable, never after processing.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/apperr"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/queue"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/store"
)

// Job priorities; lower numbers are claimed first.
const (
	PrioritySingle    = 1
	PriorityBatch     = 2
	PriorityAggregate = 5
)

// AggregateMaxAttempts is the attempt budget of aggregation jobs.
const AggregateMaxAttempts = 2

// DefaultSummaryHours is the look-back of Summary when none is given.
const DefaultSummaryHours = 24

// Pipeline ties the queue to the stores.
type Pipeline struct {
	queue   *queue.Queue
	events  store.EventStore
	metrics store.MetricStore
	now     func() time.Time
}

// New creates the facade.
func New(q *queue.Queue, events store.EventStore, metrics store.MetricStore) *Pipeline {
	return &Pipeline{
		queue:   q,
		events:  events,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// toEvent fixes the identity and observation time of an admitted event, so
// every retry of its job persists and aggregates the same thing.
func (p *Pipeline) toEvent(req models.CreateEvent) models.Event {
	e := models.Event{
		ID:        uuid.New(),
		ProjectID: req.ProjectID,
		EventType: req.EventType,
		Data:      req.Data,
	}
	if req.Metadata != nil {
		e.Metadata = *req.Metadata
	}
	if e.Metadata.Timestamp.IsZero() {
		e.Metadata.Timestamp = p.now()
	}
	return e
}

// EnqueueEvent admits a single event.
func (p *Pipeline) EnqueueEvent(ctx context.Context, req models.CreateEvent) (*models.EventAccepted, error) {
	if err := validateStruct("enqueue_event", req); err != nil {
		return nil, err
	}

	e := p.toEvent(req)
	job, err := p.queue.Enqueue(ctx, models.KindSingleEvent, models.SingleEventPayload{Event: e},
		queue.EnqueueOptions{Priority: PrioritySingle})
	if err != nil {
		return nil, err
	}

	logging.Ctx(ctx).Debug().
		Str("job_id", job.ID.String()).
		Str("event_id", e.ID.String()).
		Str("project_id", e.ProjectID).
		Msg("event queued")

	return &models.EventAccepted{JobID: job.ID.String(), EventIDs: []string{e.ID.String()}, Queued: 1}, nil
}

// EnqueueBatch admits 1 to 100 events as one job.
func (p *Pipeline) EnqueueBatch(ctx context.Context, reqs []models.CreateEvent) (*models.EventAccepted, error) {
	if err := validateStruct("enqueue_batch", models.CreateEventBatch{Events: reqs}); err != nil {
		return nil, err
	}

	events := make([]models.Event, len(reqs))
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		events[i] = p.toEvent(req)
		ids[i] = events[i].ID.String()
	}

	job, err := p.queue.Enqueue(ctx, models.KindBatchEvents, models.BatchEventsPayload{Events: events},
		queue.EnqueueOptions{Priority: PriorityBatch})
	if err != nil {
		return nil, err
	}

	logging.Ctx(ctx).Debug().Str("job_id", job.ID.String()).Int("events", len(events)).Msg("batch queued")
	return &models.EventAccepted{JobID: job.ID.String(), EventIDs: ids, Queued: len(events)}, nil
}

// EnqueueAggregation asks the aggregation pool to scan one metric series.
func (p *Pipeline) EnqueueAggregation(ctx context.Context, req models.AggregateMetricsPayload) (*models.Job, error) {
	switch {
	case req.ProjectID == "" || req.MetricType == "":
		return nil, apperr.Validation("enqueue_aggregation", "projectId and metricType are required")
	case !req.TimeWindow.Valid():
		return nil, apperr.Validation("enqueue_aggregation", "unknown time window "+string(req.TimeWindow))
	case req.End.Before(req.Start):
		return nil, apperr.Validation("enqueue_aggregation", "end precedes start")
	}
	return p.queue.Enqueue(ctx, models.KindAggregateMetrics, req, queue.EnqueueOptions{
		Priority:    PriorityAggregate,
		MaxAttempts: AggregateMaxAttempts,
	})
}

// GetQueueStats returns per-kind job counts and refreshes the depth gauges.
func (p *Pipeline) GetQueueStats(ctx context.Context) (map[models.JobKind]models.QueueStats, error) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	for kind, s := range stats {
		k := string(kind)
		metrics.QueueDepth.WithLabelValues(k, string(models.JobWaiting)).Set(float64(s.Waiting))
		metrics.QueueDepth.WithLabelValues(k, string(models.JobActive)).Set(float64(s.Active))
		metrics.QueueDepth.WithLabelValues(k, string(models.JobCompleted)).Set(float64(s.Completed))
		metrics.QueueDepth.WithLabelValues(k, string(models.JobFailed)).Set(float64(s.Failed))
		metrics.QueueDepth.WithLabelValues(k, string(models.JobDelayed)).Set(float64(s.Delayed))
	}
	return stats, nil
}

// EventPage is one page of an event listing.
type EventPage struct {
	Events []*models.Event `json:"events"`
	Total  int64           `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// QueryEvents lists a project's events newest first.
func (p *Pipeline) QueryEvents(ctx context.Context, f models.EventFilter) (*EventPage, error) {
	if f.ProjectID == "" {
		return nil, apperr.Validation("query_events", "projectId is required")
	}
	if f.Limit <= 0 {
		f.Limit = store.DefaultEventLimit
	}
	f.Limit = min(f.Limit, store.MaxEventLimit)
	f.Offset = max(f.Offset, 0)

	events, err := p.events.QueryEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	total, err := p.events.CountEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*models.Event{}
	}
	return &EventPage{Events: events, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// QueryMetrics returns a project's aggregates, newest bucket first.
func (p *Pipeline) QueryMetrics(ctx context.Context, f models.MetricFilter) ([]*models.MetricAggregate, error) {
	if f.ProjectID == "" {
		return nil, apperr.Validation("query_metrics", "projectId is required")
	}
	if f.TimeWindow != "" && !f.TimeWindow.Valid() {
		return nil, apperr.Validation("query_metrics", "unknown time window "+string(f.TimeWindow))
	}
	return p.metrics.QueryMetrics(ctx, f)
}

// Summary totals each metric type of projectID over the last hours.
func (p *Pipeline) Summary(ctx context.Context, projectID string, w models.TimeWindow, hours int) ([]models.MetricSummary, error) {
	if !w.Valid() {
		return nil, apperr.Validation("metric_summary", "unknown time window "+string(w))
	}
	if hours <= 0 {
		hours = DefaultSummaryHours
	}
	return p.metrics.Summary(ctx, projectID, w, p.now().Add(-time.Duration(hours)*time.Hour))
}

// TimeSeries returns one metric's buckets between from and to, oldest first.
func (p *Pipeline) TimeSeries(ctx context.Context, projectID, metricType string, w models.TimeWindow, from, to time.Time) ([]*models.MetricAggregate, error) {
	switch {
	case metricType == "":
		return nil, apperr.Validation("metric_timeseries", "metricType is required")
	case !w.Valid():
		return nil, apperr.Validation("metric_timeseries", "unknown time window "+string(w))
	case from.IsZero() || to.IsZero():
		return nil, apperr.Validation("metric_timeseries", "startTime and endTime are required")
	case to.Before(from):
		return nil, apperr.Validation("metric_timeseries", "endTime precedes startTime")
	}
	return p.metrics.TimeSeries(ctx, projectID, metricType, w, from, to)
}
