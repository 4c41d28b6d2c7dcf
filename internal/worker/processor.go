// Package worker holds the job processors run by the queue pools.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/store"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/window"
)

// Stage is the position of a job inside the processor.
type Stage string

const (
	StageReceived    Stage = "received"
	StagePersisting  Stage = "persisting"
	StageAggregating Stage = "aggregating"
	StageNotifying   Stage = "notifying"
	StageDone        Stage = "done"
)

// StageError reports the stage at which processing failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Notifier receives processing side effects. Implementations must not block
// and must swallow their own failures.
type Notifier interface {
	NotifyEvent(ctx context.Context, e *models.Event)
	NotifyMetric(ctx context.Context, m *models.MetricAggregate)
	NotifyBatch(ctx context.Context, projectID string, count int)
}

// Processor persists events, folds them into every window and notifies
// subscribers. It keeps no state between calls; a retried job simply runs again.
type Processor struct {
	events    store.EventStore
	metrics   store.MetricStore
	notifier  Notifier
	extractor window.Extractor
	loc       *time.Location
}

// Option configures a Processor.
type Option func(*Processor)

// WithExtractor replaces the default "value" field extractor.
func WithExtractor(ex window.Extractor) Option {
	return func(p *Processor) { p.extractor = ex }
}

// WithLocation sets the location daily buckets are aligned in.
func WithLocation(loc *time.Location) Option {
	return func(p *Processor) { p.loc = loc }
}

// NewProcessor wires a processor to its stores and notifier.
func NewProcessor(events store.EventStore, metrics store.MetricStore, notifier Notifier, opts ...Option) *Processor {
	p := &Processor{
		events:    events,
		metrics:   metrics,
		notifier:  notifier,
		extractor: window.ValueExtractor{},
		loc:       time.Local,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessSingle persists e, merges its four window observations and
// publishes the raw event plus the 1min bucket.
func (p *Processor) ProcessSingle(ctx context.Context, e *models.Event) error {
	log := logging.Ctx(ctx).With().Str("project_id", e.ProjectID).Str("event_type", e.EventType).Logger()
	log.Debug().Str("stage", string(StageReceived)).Msg("event received")

	saved, err := p.events.InsertEvent(ctx, e)
	if err != nil {
		return &StageError{Stage: StagePersisting, Err: err}
	}

	minute, err := p.aggregate(ctx, saved)
	if err != nil {
		return &StageError{Stage: StageAggregating, Err: err}
	}

	p.notifier.NotifyEvent(ctx, saved)
	if minute != nil {
		p.notifier.NotifyMetric(ctx, minute)
	}

	log.Debug().Str("event_id", saved.ID.String()).Str("stage", string(StageDone)).Msg("event processed")
	return nil
}

// ProcessBatch persists events atomically, emits one batch notification per
// distinct project (in first-seen order), then aggregates every event the
// same way as ProcessSingle.
func (p *Processor) ProcessBatch(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	saved, err := p.events.InsertEvents(ctx, events)
	if err != nil {
		return &StageError{Stage: StagePersisting, Err: err}
	}

	var order []string
	counts := make(map[string]int)
	for _, e := range saved {
		if _, seen := counts[e.ProjectID]; !seen {
			order = append(order, e.ProjectID)
		}
		counts[e.ProjectID]++
	}
	for _, projectID := range order {
		p.notifier.NotifyBatch(ctx, projectID, counts[projectID])
	}

	for _, e := range saved {
		minute, err := p.aggregate(ctx, e)
		if err != nil {
			return &StageError{Stage: StageAggregating, Err: err}
		}
		if minute != nil {
			p.notifier.NotifyMetric(ctx, minute)
		}
	}

	logging.Ctx(ctx).Debug().Int("events", len(saved)).Int("projects", len(order)).Msg("batch processed")
	return nil
}

// aggregate merges every window observation of e and returns the merged 1min
// bucket, the only one that is announced to subscribers.
func (p *Processor) aggregate(ctx context.Context, e *models.Event) (*models.MetricAggregate, error) {
	var minute *models.MetricAggregate
	for _, obs := range window.Observations(e, p.extractor, p.loc) {
		m, err := p.metrics.UpsertMetric(ctx, obs)
		if err != nil {
			return nil, fmt.Errorf("merge %s bucket: %w", obs.Key.TimeWindow, err)
		}
		if obs.Key.TimeWindow == models.Window1Min {
			minute = m
		}
	}
	return minute, nil
}
