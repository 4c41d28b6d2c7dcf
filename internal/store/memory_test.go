package store

import (
	"context"
	"testing"
	"time"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/apperr"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/window"
)

func newEvent(project, typ string, created time.Time) *models.Event {
	return &models.Event{
		ProjectID: project,
		EventType: typ,
		Data:      map[string]any{"value": 1.0},
		CreatedAt: created,
	}
}

func TestMemoryInsertEventsIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []*models.Event{
		newEvent("p1", "click", now),
		newEvent("p1", "", now), // violates event_type constraint
		newEvent("p1", "view", now),
	}
	if _, err := s.InsertEvents(ctx, batch); !apperr.Is(err, apperr.KindPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	n, err := s.CountEvents(ctx, models.EventFilter{ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("partial batch persisted: %d rows", n)
	}
}

func TestMemoryInsertEventIsIdempotentOnID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := newEvent("p1", "click", time.Now().UTC())
	if _, err := s.InsertEvent(ctx, e); err != nil {
		t.Fatal(err)
	}
	again := *e
	if _, err := s.InsertEvent(ctx, &again); err != nil {
		t.Fatal(err)
	}

	n, _ := s.CountEvents(ctx, models.EventFilter{ProjectID: "p1"})
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestMemoryQueryEventsNewestFirstWithPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		if _, err := s.InsertEvent(ctx, newEvent("p1", "click", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.InsertEvent(ctx, newEvent("p2", "click", base)); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryEvents(ctx, models.EventFilter{ProjectID: "p1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if !got[0].CreatedAt.Equal(base.Add(3*time.Minute)) || !got[1].CreatedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("unexpected order: %s, %s", got[0].CreatedAt, got[1].CreatedAt)
	}
}

func TestMemoryUpsertMetricMergesTwice(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := newEvent("p1", "purchase", time.Date(2024, 3, 15, 10, 37, 42, 0, time.UTC))
	e.Data = map[string]any{"value": 10.0}

	var last *models.MetricAggregate
	for range 2 {
		for _, obs := range window.Observations(e, nil, time.UTC) {
			if obs.Key.TimeWindow != models.Window1Min {
				continue
			}
			m, err := s.UpsertMetric(ctx, obs)
			if err != nil {
				t.Fatal(err)
			}
			last = m
		}
	}

	if last.Count != 2 {
		t.Fatalf("count = %d, want 2", last.Count)
	}
	if *last.Sum != 20 || *last.Avg != 10 || *last.Min != 10 || *last.Max != 10 {
		t.Fatalf("unexpected stats sum=%v avg=%v min=%v max=%v", *last.Sum, *last.Avg, *last.Min, *last.Max)
	}
	want := time.Date(2024, 3, 15, 10, 37, 0, 0, time.UTC)
	if !last.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %s, want %s", last.Timestamp, want)
	}
}

func TestMemoryUpsertMetricSameInstantDifferentZone(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	key := models.AggregateKey{ProjectID: "p1", MetricType: "x", TimeWindow: models.Window1H, Timestamp: ts}
	if _, err := s.UpsertMetric(ctx, window.Observation{Key: key, Stats: window.Stats{Count: 1}}); err != nil {
		t.Fatal(err)
	}
	key.Timestamp = ts.In(time.FixedZone("X", 3600))
	m, err := s.UpsertMetric(ctx, window.Observation{Key: key, Stats: window.Stats{Count: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if m.Count != 2 {
		t.Fatalf("expected one bucket with count 2, got %d", m.Count)
	}
}

func TestMemoryUpsertMetricRejectsEmptyObservation(t *testing.T) {
	s := NewMemoryStore()
	key := models.AggregateKey{ProjectID: "p1", MetricType: "x", TimeWindow: models.Window1Min, Timestamp: time.Now()}
	_, err := s.UpsertMetric(context.Background(), window.Observation{Key: key})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemorySummaryAndTimeSeries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	upsert := func(typ string, offset time.Duration, v float64) {
		t.Helper()
		key := models.AggregateKey{ProjectID: "p1", MetricType: typ, TimeWindow: models.Window1H, Timestamp: base.Add(offset)}
		stats := window.Stats{Count: 1, Sum: window.Float(v), Min: window.Float(v), Max: window.Float(v)}
		if _, err := s.UpsertMetric(ctx, window.Observation{Key: key, Stats: stats}); err != nil {
			t.Fatal(err)
		}
	}
	upsert("purchase", 0, 10)
	upsert("purchase", time.Hour, 30)
	upsert("purchase", 2*time.Hour, 5)
	upsert("view", 0, 1)

	summary, err := s.Summary(ctx, "p1", models.Window1H, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary) != 2 || summary[0].MetricType != "purchase" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	p := summary[0]
	if p.TotalCount != 3 || *p.OverallMin != 5 || *p.OverallMax != 30 || *p.OverallAvg != 15 {
		t.Fatalf("unexpected purchase summary %+v", p)
	}

	series, err := s.TimeSeries(ctx, "p1", "purchase", models.Window1H, base, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 2 || !series[0].Timestamp.Before(series[1].Timestamp) {
		t.Fatalf("expected 2 ascending buckets, got %d", len(series))
	}
}

func TestMemoryDeleteBeforeCutoff(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.InsertEvent(ctx, newEvent("p1", "old", now.AddDate(0, 0, -100))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertEvent(ctx, newEvent("p1", "new", now)); err != nil {
		t.Fatal(err)
	}

	s.SetClock(func() time.Time { return now.AddDate(0, 0, -100) })
	key := models.AggregateKey{ProjectID: "p1", MetricType: "old", TimeWindow: models.Window1D, Timestamp: now}
	if _, err := s.UpsertMetric(ctx, window.Observation{Key: key, Stats: window.Stats{Count: 1}}); err != nil {
		t.Fatal(err)
	}

	cutoff := now.AddDate(0, 0, -90)
	ev, err := s.DeleteEventsBefore(ctx, cutoff)
	if err != nil || ev != 1 {
		t.Fatalf("events deleted = %d, err = %v", ev, err)
	}
	mt, err := s.DeleteMetricsBefore(ctx, cutoff)
	if err != nil || mt != 1 {
		t.Fatalf("metrics deleted = %d, err = %v", mt, err)
	}
}
