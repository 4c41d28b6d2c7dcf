package worker

import (
	"context"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/apperr"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/queue"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/store"
)

// Aggregator serves aggregate-metrics jobs. Aggregates are maintained
// incrementally by the event path, so a job only reads back the requested
// series and reports its shape.
type Aggregator struct {
	metrics store.MetricStore
}

// NewAggregator reads series from metrics.
func NewAggregator(metrics store.MetricStore) *Aggregator {
	return &Aggregator{metrics: metrics}
}

// Handle is the queue.Handler of aggregate-metrics jobs.
func (a *Aggregator) Handle(ctx context.Context, job *models.Job) error {
	p, err := queue.Decode[models.AggregateMetricsPayload](job)
	if err != nil {
		return err
	}
	if !p.TimeWindow.Valid() {
		return apperr.Validation("aggregate_metrics", "unknown time window "+string(p.TimeWindow))
	}

	series, err := a.metrics.TimeSeries(ctx, p.ProjectID, p.MetricType, p.TimeWindow, p.Start, p.End)
	if err != nil {
		return err
	}

	var total int64
	for _, m := range series {
		total += m.Count
	}
	logging.Ctx(ctx).Info().
		Str("project_id", p.ProjectID).
		Str("metric_type", p.MetricType).
		Str("window", string(p.TimeWindow)).
		Int("buckets", len(series)).
		Int64("events", total).
		Msg("metric series aggregated")
	return nil
}
