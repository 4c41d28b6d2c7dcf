// Package notify turns pipeline progress into dashboard notifications.
//
// Publishing is best-effort: a failing or panicking publisher is logged and
// counted, and the calling job carries on as if nothing happened.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// Channel event names seen by dashboard clients.
const (
	NameNewEvent     = "new:event"
	NameMetricUpdate = "update:metric"
	NameBatchEvents  = "batch:events"
)

// Envelope types.
const (
	TypeEvent  = "event"
	TypeMetric = "metric"
	TypeBatch  = "batch"
)

// Envelope is the payload of every notification.
type Envelope struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	Timestamp time.Time `json:"timestamp"`

	// event
	EventID   string         `json:"eventId,omitempty"`
	EventType string         `json:"eventType,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	// metric; Value is the bucket count
	MetricType string            `json:"metricType,omitempty"`
	TimeWindow models.TimeWindow `json:"timeWindow,omitempty"`
	Value      int64             `json:"value,omitempty"`
	Avg        *float64          `json:"avg,omitempty"`

	// batch
	Count int `json:"count,omitempty"`
}

// Publisher delivers a named payload to every subscriber of projectID.
type Publisher interface {
	Publish(projectID, name string, payload any) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(projectID, name string, payload any) error

func (f PublisherFunc) Publish(projectID, name string, payload any) error {
	return f(projectID, name, payload)
}

// Fanout builds envelopes and hands them to a Publisher.
type Fanout struct {
	pub Publisher
	now func() time.Time
}

// New creates a fan-out over pub. A nil pub discards notifications.
func New(pub Publisher) *Fanout {
	return &Fanout{pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

// NotifyEvent announces a persisted raw event.
func (f *Fanout) NotifyEvent(ctx context.Context, e *models.Event) {
	f.publish(ctx, NameNewEvent, Envelope{
		Type:      TypeEvent,
		ProjectID: e.ProjectID,
		Timestamp: e.CreatedAt,
		EventID:   e.ID.String(),
		EventType: e.EventType,
		Data:      e.Data,
	})
}

// NotifyMetric announces the new state of an aggregate bucket.
func (f *Fanout) NotifyMetric(ctx context.Context, m *models.MetricAggregate) {
	f.publish(ctx, NameMetricUpdate, Envelope{
		Type:       TypeMetric,
		ProjectID:  m.ProjectID,
		Timestamp:  m.Timestamp,
		MetricType: m.MetricType,
		TimeWindow: m.TimeWindow,
		Value:      m.Count,
		Avg:        m.Avg,
	})
}

// NotifyBatch announces that count events of projectID were ingested together.
func (f *Fanout) NotifyBatch(ctx context.Context, projectID string, count int) {
	f.publish(ctx, NameBatchEvents, Envelope{
		Type:      TypeBatch,
		ProjectID: projectID,
		Timestamp: f.now(),
		Count:     count,
	})
}

func (f *Fanout) publish(ctx context.Context, name string, env Envelope) {
	if f == nil || f.pub == nil {
		return
	}

	log := logging.Ctx(ctx)
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationErrors.WithLabelValues(env.Type).Inc()
			log.Error().
				Str("notification", name).
				Str("project_id", env.ProjectID).
				Err(fmt.Errorf("publisher panic: %v", r)).
				Msg("notification dropped")
		}
	}()

	if err := f.pub.Publish(env.ProjectID, name, env); err != nil {
		metrics.NotificationErrors.WithLabelValues(env.Type).Inc()
		log.Warn().Err(err).Str("notification", name).Str("project_id", env.ProjectID).Msg("notification dropped")
		return
	}
	metrics.NotificationsPublished.WithLabelValues(env.Type).Inc()
	log.Debug().Str("notification", name).Str("project_id", env.ProjectID).Msg("notification published")
}
