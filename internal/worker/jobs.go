package worker

import (
	"context"
	"fmt"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/queue"
)

// HandleSingle is the queue.Handler of single-event jobs.
func (p *Processor) HandleSingle(ctx context.Context, job *models.Job) error {
	payload, err := queue.Decode[models.SingleEventPayload](job)
	if err != nil {
		return &StageError{Stage: StageReceived, Err: err}
	}
	return p.ProcessSingle(ctx, &payload.Event)
}

// HandleBatch is the queue.Handler of batch-events jobs.
func (p *Processor) HandleBatch(ctx context.Context, job *models.Job) error {
	payload, err := queue.Decode[models.BatchEventsPayload](job)
	if err != nil {
		return &StageError{Stage: StageReceived, Err: err}
	}
	if len(payload.Events) == 0 {
		return &StageError{Stage: StageReceived, Err: fmt.Errorf("batch job %s carries no events", job.ID)}
	}

	events := make([]*models.Event, len(payload.Events))
	for i := range payload.Events {
		events[i] = &payload.Events[i]
	}
	return p.ProcessBatch(ctx, events)
}
