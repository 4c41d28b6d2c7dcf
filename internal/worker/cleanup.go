package worker

import (
	"context"
	"errors"
	"time"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/store"
)

const (
	// DefaultRetentionDays is how long events and aggregates are kept.
	DefaultRetentionDays = 90

	// DefaultCleanupSchedule runs retention at 02:00 server time.
	DefaultCleanupSchedule = "0 2 * * *"
)

// CleanupResult reports one retention pass.
type CleanupResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Events  int64     `json:"events"`
	Metrics int64     `json:"metrics"`
}

// Cleanup deletes events and aggregates older than the retention horizon.
type Cleanup struct {
	events    store.EventStore
	metrics   store.MetricStore
	retention time.Duration
	now       func() time.Time
}

// NewCleanup keeps days of history; days <= 0 selects DefaultRetentionDays.
func NewCleanup(events store.EventStore, metrics store.MetricStore, days int) *Cleanup {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return &Cleanup{
		events:    events,
		metrics:   metrics,
		retention: time.Duration(days) * 24 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DeleteOlderThan removes rows created before cutoff from both stores. A
// failure on one table does not prevent the other from being pruned.
func (c *Cleanup) DeleteOlderThan(ctx context.Context, cutoff time.Time) (CleanupResult, error) {
	res := CleanupResult{Cutoff: cutoff}
	log := logging.Ctx(ctx)

	var errs []error
	n, err := c.events.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		errs = append(errs, err)
		log.Error().Err(err).Time("cutoff", cutoff).Msg("event retention failed")
	} else {
		res.Events = n
		metrics.RetentionDeleted.WithLabelValues("events").Add(float64(n))
	}

	n, err = c.metrics.DeleteMetricsBefore(ctx, cutoff)
	if err != nil {
		errs = append(errs, err)
		log.Error().Err(err).Time("cutoff", cutoff).Msg("metric retention failed")
	} else {
		res.Metrics = n
		metrics.RetentionDeleted.WithLabelValues("metric_aggregations").Add(float64(n))
	}

	log.Info().
		Time("cutoff", cutoff).
		Int64("events_deleted", res.Events).
		Int64("metrics_deleted", res.Metrics).
		Msg("retention cleanup finished")
	return res, errors.Join(errs...)
}

// Run prunes everything older than now minus the retention period.
func (c *Cleanup) Run(ctx context.Context) (CleanupResult, error) {
	return c.DeleteOlderThan(ctx, c.now().Add(-c.retention))
}

// Handle is the queue.Handler of scheduled-cleanup jobs. Scheduled jobs have
// a single attempt, so a failure waits for the next firing.
func (c *Cleanup) Handle(ctx context.Context, _ *models.Job) error {
	_, err := c.Run(ctx)
	return err
}
