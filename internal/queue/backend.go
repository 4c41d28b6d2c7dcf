// Package queue is the durable ingestion queue: jobs are persisted before
// Enqueue returns, claimed by one worker at a time, retried with exponential
// backoff and parked as failed once their attempts are exhausted.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// ErrLockLost is returned when a job is acked or nacked by a worker whose
// claim has expired and been taken over by the reaper or another worker.
var ErrLockLost = errors.New("queue: job lock lost")

// Backend is the persistence contract of the queue. Retry policy lives in
// Queue; a backend only moves rows between states.
//
// Extend, Complete, Requeue and Fail apply only while the job is still active under
// the lock it was claimed with (job.LockedUntil); otherwise they return
// ErrLockLost and change nothing.
type Backend interface {
	Insert(ctx context.Context, job *models.Job) error

	// Claim atomically moves the best waiting job of kind whose RunAt has
	// passed to active, locked until lockUntil. It returns nil, nil when
	// nothing is claimable. Lower priority numbers are claimed first.
	Claim(ctx context.Context, kind models.JobKind, now, lockUntil time.Time) (*models.Job, error)

	// Extend moves the lock of an active job to lockUntil. The caller updates
	// job.LockedUntil on success.
	Extend(ctx context.Context, job *models.Job, lockUntil time.Time) error

	// Complete removes the job and increments the completed counter of its kind.
	Complete(ctx context.Context, job *models.Job) error

	// Requeue stores job.Attempts and job.LastError and returns the job to
	// waiting, claimable from runAt.
	Requeue(ctx context.Context, job *models.Job, runAt time.Time) error

	// Fail stores job.Attempts and job.LastError and parks the job as failed.
	Fail(ctx context.Context, job *models.Job) error

	// Expired lists active jobs whose lock ended before now.
	Expired(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)

	// Counts reports per-kind totals. Waiting jobs with RunAt after now are
	// reported as delayed.
	Counts(ctx context.Context, now time.Time) (map[models.JobKind]models.QueueStats, error)
}
