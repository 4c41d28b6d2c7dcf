package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/apperr"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/window"
)

// MemoryStore keeps events and aggregates in process memory. It honours the
// same contracts as PostgresStore (atomic batches, atomic merge per key) and
// backs local development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	events  map[uuid.UUID]*models.Event
	metrics map[models.AggregateKey]*models.MetricAggregate
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[uuid.UUID]*models.Event),
		metrics: make(map[models.AggregateKey]*models.MetricAggregate),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the creation-time clock.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// checkEvent applies the column constraints of the events table.
func checkEvent(e *models.Event) error {
	switch {
	case e.ProjectID == "" || len(e.ProjectID) > 255:
		return apperr.Permanent("insert_event", errInvalidColumn("project_id"))
	case e.EventType == "" || len(e.EventType) > 255:
		return apperr.Permanent("insert_event", errInvalidColumn("event_type"))
	}
	return nil
}

type errInvalidColumn string

func (c errInvalidColumn) Error() string { return "constraint violated on column " + string(c) }

func (s *MemoryStore) stamp(e *models.Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	prepareEvent(e)
}

func cloneEvent(e *models.Event) *models.Event {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func (s *MemoryStore) InsertEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient("insert_event", err)
	}
	if err := checkEvent(e); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(e)
	if _, exists := s.events[e.ID]; !exists {
		s.events[e.ID] = cloneEvent(e)
	}
	return e, nil
}

// InsertEvents validates every row before writing any of them.
func (s *MemoryStore) InsertEvents(ctx context.Context, events []*models.Event) ([]*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient("insert_events", err)
	}
	for _, e := range events {
		if err := checkEvent(e); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		s.stamp(e)
		if _, exists := s.events[e.ID]; !exists {
			s.events[e.ID] = cloneEvent(e)
		}
	}
	return events, nil
}

func matchEvent(e *models.Event, f models.EventFilter) bool {
	switch {
	case f.ProjectID != "" && e.ProjectID != f.ProjectID:
		return false
	case f.EventType != "" && e.EventType != f.EventType:
		return false
	case !f.From.IsZero() && e.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && e.CreatedAt.After(f.To):
		return false
	}
	return true
}

func (s *MemoryStore) filterEvents(f models.EventFilter) []*models.Event {
	var out []*models.Event
	for _, e := range s.events {
		if matchEvent(e, f) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) QueryEvents(_ context.Context, f models.EventFilter) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.filterEvents(f)
	offset := max(f.Offset, 0)
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+clampLimit(f.Limit), len(all))

	out := make([]*models.Event, 0, end-offset)
	for _, e := range all[offset:end] {
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

func (s *MemoryStore) CountEvents(_ context.Context, f models.EventFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.filterEvents(f))), nil
}

func (s *MemoryStore) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.events {
		if e.CreatedAt.Before(cutoff) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// normalizeKey strips location so equal instants map to the same entry.
func normalizeKey(k models.AggregateKey) models.AggregateKey {
	k.Timestamp = k.Timestamp.UTC()
	return k
}

func cloneMetric(m *models.MetricAggregate) *models.MetricAggregate {
	c := *m
	cp := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	c.Sum, c.Avg, c.Min, c.Max = cp(m.Sum), cp(m.Avg), cp(m.Min), cp(m.Max)
	return &c
}

// UpsertMetric merges under the store lock, the in-memory analogue of the
// single-statement upsert.
func (s *MemoryStore) UpsertMetric(ctx context.Context, obs window.Observation) (*models.MetricAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient("upsert_metric", err)
	}
	if obs.Count < 1 {
		return nil, apperr.Validation("upsert_metric", "observation count must be >= 1")
	}

	key := normalizeKey(obs.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metrics[key]
	if !ok {
		m = &models.MetricAggregate{
			ID:         uuid.New(),
			ProjectID:  key.ProjectID,
			MetricType: key.MetricType,
			TimeWindow: key.TimeWindow,
			Timestamp:  key.Timestamp,
			Data:       map[string]any{},
			CreatedAt:  s.now(),
		}
		s.metrics[key] = m
	}
	window.Apply(m, obs.Stats)

	metrics.MetricUpserts.WithLabelValues(string(key.TimeWindow)).Inc()
	return cloneMetric(m), nil
}

func (s *MemoryStore) QueryMetrics(_ context.Context, f models.MetricFilter) ([]*models.MetricAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.MetricAggregate
	for _, m := range s.metrics {
		switch {
		case m.ProjectID != f.ProjectID:
			continue
		case f.MetricType != "" && m.MetricType != f.MetricType:
			continue
		case f.TimeWindow != "" && m.TimeWindow != f.TimeWindow:
			continue
		case !f.From.IsZero() && m.Timestamp.Before(f.From):
			continue
		case !f.To.IsZero() && m.Timestamp.After(f.To):
			continue
		}
		out = append(out, cloneMetric(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	limit := f.Limit
	if limit <= 0 || limit > MaxMetricRows {
		limit = MaxMetricRows
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Summary(_ context.Context, projectID string, w models.TimeWindow, since time.Time) ([]models.MetricSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type acc struct {
		summary  models.MetricSummary
		avgSum   float64
		avgCount int
	}
	byType := map[string]*acc{}

	for _, m := range s.metrics {
		if m.ProjectID != projectID || m.TimeWindow != w || m.Timestamp.Before(since) {
			continue
		}
		a, ok := byType[m.MetricType]
		if !ok {
			a = &acc{summary: models.MetricSummary{MetricType: m.MetricType}}
			byType[m.MetricType] = a
		}
		a.summary.TotalCount += m.Count
		if m.Avg != nil {
			a.avgSum += *m.Avg
			a.avgCount++
		}
		merged := window.Merge(
			window.Stats{Min: a.summary.OverallMin, Max: a.summary.OverallMax},
			window.Stats{Min: m.Min, Max: m.Max},
		)
		a.summary.OverallMin, a.summary.OverallMax = merged.Min, merged.Max
	}

	out := make([]models.MetricSummary, 0, len(byType))
	for _, a := range byType {
		if a.avgCount > 0 {
			a.summary.OverallAvg = window.Float(a.avgSum / float64(a.avgCount))
		}
		out = append(out, a.summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricType < out[j].MetricType })
	return out, nil
}

func (s *MemoryStore) TimeSeries(_ context.Context, projectID, metricType string, w models.TimeWindow, from, to time.Time) ([]*models.MetricAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.MetricAggregate
	for _, m := range s.metrics {
		if m.ProjectID != projectID || m.MetricType != metricType || m.TimeWindow != w {
			continue
		}
		if m.Timestamp.Before(from) || m.Timestamp.After(to) {
			continue
		}
		out = append(out, cloneMetric(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) DeleteMetricsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, m := range s.metrics {
		if m.CreatedAt.Before(cutoff) {
			delete(s.metrics, k)
			n++
		}
	}
	return n, nil
}
