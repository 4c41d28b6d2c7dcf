package store

import (
	"context"
	"time"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/window"
)

const (
	// DefaultEventLimit and MaxEventLimit bound event listing pages.
	DefaultEventLimit = 100
	MaxEventLimit     = 1000

	// MaxMetricRows caps filtered metric queries.
	MaxMetricRows = 1000
)

// EventStore is durable append-only storage for raw events.
type EventStore interface {
	// InsertEvent persists e. Re-inserting an event with an existing ID is a
	// no-op so a retried job does not duplicate raw rows.
	InsertEvent(ctx context.Context, e *models.Event) (*models.Event, error)

	// InsertEvents persists all events atomically: either every row is
	// written or none is.
	InsertEvents(ctx context.Context, events []*models.Event) ([]*models.Event, error)

	QueryEvents(ctx context.Context, f models.EventFilter) ([]*models.Event, error)
	CountEvents(ctx context.Context, f models.EventFilter) (int64, error)

	// DeleteEventsBefore removes events created before cutoff.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricStore holds one row per aggregate key.
type MetricStore interface {
	// UpsertMetric merges obs into the row for obs.Key in a single atomic
	// operation and returns the merged row.
	UpsertMetric(ctx context.Context, obs window.Observation) (*models.MetricAggregate, error)

	QueryMetrics(ctx context.Context, f models.MetricFilter) ([]*models.MetricAggregate, error)
	Summary(ctx context.Context, projectID string, w models.TimeWindow, since time.Time) ([]models.MetricSummary, error)
	TimeSeries(ctx context.Context, projectID, metricType string, w models.TimeWindow, from, to time.Time) ([]*models.MetricAggregate, error)

	// DeleteMetricsBefore removes aggregates created before cutoff.
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the combination every backend provides.
type Store interface {
	EventStore
	MetricStore
	Ping(ctx context.Context) error
	Close()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEventLimit
	case limit > MaxEventLimit:
		return MaxEventLimit
	default:
		return limit
	}
}
