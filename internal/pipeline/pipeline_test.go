package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/apperr"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/queue"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/store"
)

func newTestPipeline() (*Pipeline, *queue.Queue, *store.MemoryStore) {
	s := store.NewMemoryStore()
	q := queue.New(queue.NewMemoryBackend(), queue.Options{})
	return New(q, s, s), q, s
}

func validEvent() models.CreateEvent {
	return models.CreateEvent{ProjectID: "tenant1", EventType: "page_view", Data: map[string]any{"page": "/"}}
}

func TestEnqueueEventAssignsIdentity(t *testing.T) {
	p, q, _ := newTestPipeline()
	ctx := context.Background()

	acc, err := p.EnqueueEvent(ctx, validEvent())
	if err != nil {
		t.Fatal(err)
	}
	if acc.Queued != 1 || len(acc.EventIDs) != 1 {
		t.Fatalf("accepted = %+v", acc)
	}

	job, err := q.TryDequeue(ctx, models.KindSingleEvent)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}
	if job.ID.String() != acc.JobID {
		t.Fatalf("job id = %s, want %s", job.ID, acc.JobID)
	}
	if job.Priority != PrioritySingle {
		t.Fatalf("priority = %d, want %d", job.Priority, PrioritySingle)
	}

	payload, err := queue.Decode[models.SingleEventPayload](job)
	if err != nil {
		t.Fatal(err)
	}
	if payload.Event.ID.String() != acc.EventIDs[0] {
		t.Fatalf("event id = %s, want %s", payload.Event.ID, acc.EventIDs[0])
	}
	if payload.Event.Metadata.Timestamp.IsZero() {
		t.Fatal("admission timestamp not set")
	}
}

func TestEnqueueEventKeepsProducerTimestamp(t *testing.T) {
	p, q, _ := newTestPipeline()
	ctx := context.Background()

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	req := validEvent()
	req.Metadata = &models.EventMetadata{Timestamp: at, UserAgent: "test"}
	if _, err := p.EnqueueEvent(ctx, req); err != nil {
		t.Fatal(err)
	}

	job, _ := q.TryDequeue(ctx, models.KindSingleEvent)
	payload, err := queue.Decode[models.SingleEventPayload](job)
	if err != nil {
		t.Fatal(err)
	}
	if !payload.Event.Metadata.Timestamp.Equal(at) {
		t.Fatalf("timestamp = %v, want %v", payload.Event.Metadata.Timestamp, at)
	}
}

func TestEnqueueEventValidation(t *testing.T) {
	p, q, _ := newTestPipeline()
	ctx := context.Background()

	cases := []struct {
		name  string
		mut   func(*models.CreateEvent)
		field string
	}{
		{"missing event type", func(e *models.CreateEvent) { e.EventType = "" }, "eventType"},
		{"long event type", func(e *models.CreateEvent) { e.EventType = strings.Repeat("x", 256) }, "eventType"},
		{"missing data", func(e *models.CreateEvent) { e.Data = nil }, "data"},
		{"missing project", func(e *models.CreateEvent) { e.ProjectID = "" }, "projectId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validEvent()
			tc.mut(&req)
			_, err := p.EnqueueEvent(ctx, req)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("err = %q, want mention of %s", err, tc.field)
			}
		})
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[models.KindSingleEvent].Waiting != 0 {
		t.Fatal("rejected events must not be queued")
	}
}

func TestEnqueueEventEmptyDataAccepted(t *testing.T) {
	p, _, _ := newTestPipeline()
	req := validEvent()
	req.Data = map[string]any{}
	if _, err := p.EnqueueEvent(context.Background(), req); err != nil {
		t.Fatalf("empty data object rejected: %v", err)
	}
}

func TestEnqueueBatchLimits(t *testing.T) {
	p, q, _ := newTestPipeline()
	ctx := context.Background()

	if _, err := p.EnqueueBatch(ctx, nil); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("empty batch: err = %v", err)
	}

	over := make([]models.CreateEvent, 101)
	for i := range over {
		over[i] = validEvent()
	}
	if _, err := p.EnqueueBatch(ctx, over); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("101 events: err = %v", err)
	}

	bad := []models.CreateEvent{validEvent(), {ProjectID: "tenant1", Data: map[string]any{}}}
	if _, err := p.EnqueueBatch(ctx, bad); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("invalid member: err = %v", err)
	}

	acc, err := p.EnqueueBatch(ctx, over[:100])
	if err != nil {
		t.Fatal(err)
	}
	if acc.Queued != 100 || len(acc.EventIDs) != 100 {
		t.Fatalf("accepted = %d ids, queued %d", len(acc.EventIDs), acc.Queued)
	}

	stats, _ := q.Stats(ctx)
	if got := stats[models.KindBatchEvents].Waiting; got != 1 {
		t.Fatalf("batch jobs waiting = %d, want 1", got)
	}
}

func TestBatchIDsAreDistinct(t *testing.T) {
	p, _, _ := newTestPipeline()
	acc, err := p.EnqueueBatch(context.Background(), []models.CreateEvent{validEvent(), validEvent(), validEvent()})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, id := range acc.EventIDs {
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("bad id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestEnqueueAggregationAndStats(t *testing.T) {
	p, q, _ := newTestPipeline()
	ctx := context.Background()

	if _, err := p.EnqueueAggregation(ctx, models.AggregateMetricsPayload{
		ProjectID: "tenant1", MetricType: "page_view", TimeWindow: models.Window1H,
		Start: time.Now().Add(-time.Hour), End: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := p.GetQueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[models.KindAggregateMetrics].Waiting != 1 {
		t.Fatalf("aggregate waiting = %d, want 1", stats[models.KindAggregateMetrics].Waiting)
	}
	for _, k := range models.AllJobKinds {
		if _, ok := stats[k]; !ok {
			t.Fatalf("stats missing kind %s", k)
		}
	}

	job, _ := q.TryDequeue(ctx, models.KindAggregateMetrics)
	if job == nil || job.Priority != PriorityAggregate || job.MaxAttempts != AggregateMaxAttempts {
		t.Fatalf("aggregate job = %+v", job)
	}
}

func TestEnqueueAggregationValidation(t *testing.T) {
	p, _, _ := newTestPipeline()
	now := time.Now()
	_, err := p.EnqueueAggregation(context.Background(), models.AggregateMetricsPayload{
		ProjectID: "tenant1", MetricType: "x", TimeWindow: "2h", Start: now, End: now,
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestQueryEventsPaging(t *testing.T) {
	p, _, s := newTestPipeline()
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		e := &models.Event{ID: uuid.New(), ProjectID: "tenant1", EventType: "click", Data: map[string]any{}, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if _, err := s.InsertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	page, err := p.QueryEvents(ctx, models.EventFilter{ProjectID: "tenant1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || len(page.Events) != 2 {
		t.Fatalf("total=%d len=%d", page.Total, len(page.Events))
	}
	if !page.Events[0].CreatedAt.Equal(base.Add(3 * time.Minute)) {
		t.Fatalf("first = %v", page.Events[0].CreatedAt)
	}

	empty, err := p.QueryEvents(ctx, models.EventFilter{ProjectID: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if empty.Events == nil || len(empty.Events) != 0 || empty.Limit != store.DefaultEventLimit {
		t.Fatalf("empty page = %+v", empty)
	}
}

func TestTimeSeriesValidation(t *testing.T) {
	p, _, _ := newTestPipeline()
	ctx := context.Background()
	now := time.Now()

	if _, err := p.TimeSeries(ctx, "tenant1", "click", models.Window1Min, now, now.Add(-time.Hour)); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("reversed range: err = %v", err)
	}
	if _, err := p.TimeSeries(ctx, "tenant1", "click", models.Window1Min, time.Time{}, now); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("missing start: err = %v", err)
	}
	if _, err := p.Summary(ctx, "tenant1", "3min", 0); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("bad window: err = %v", err)
	}
}
