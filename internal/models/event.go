package models

import (
	"time"

	"github.com/google/uuid"
)

// EventMetadata is captured at the HTTP edge and stored alongside the payload.
type EventMetadata struct {
	UserAgent string    `json:"userAgent,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is an immutable application event owned by the event store.
// Data is opaque to the pipeline except for the optional numeric "value" field.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	ProjectID string         `json:"projectId"`
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data"`
	Metadata  EventMetadata  `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
}

// OccurredAt is the timestamp used for window alignment: the metadata timestamp
// when the producer supplied one, otherwise the creation time.
func (e *Event) OccurredAt() time.Time {
	if !e.Metadata.Timestamp.IsZero() {
		return e.Metadata.Timestamp
	}
	return e.CreatedAt
}

// CreateEvent is the POST /api/events payload and the unit carried by ingestion jobs.
// ProjectID is filled from the authenticated API key when omitted.
type CreateEvent struct {
	ProjectID string         `json:"projectId" validate:"required,max=255"`
	EventType string         `json:"eventType" validate:"required,min=1,max=255"`
	Data      map[string]any `json:"data" validate:"required"`
	Metadata  *EventMetadata `json:"metadata,omitempty"`
}

// CreateEventBatch is the POST /api/events/batch payload.
type CreateEventBatch struct {
	Events []CreateEvent `json:"events" validate:"required,min=1,max=100,dive"`
}

// EventAccepted is returned once an event (or batch) is durably queued.
type EventAccepted struct {
	JobID    string   `json:"jobId"`
	EventIDs []string `json:"eventIds"`
	Queued   int      `json:"queued"`
}

// EventFilter narrows event queries. Zero values mean "no constraint".
type EventFilter struct {
	ProjectID string
	EventType string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}
