package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/apperr"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// Queue defaults: three attempts, retries after 2s then 4s.
const (
	DefaultMaxAttempts       = 3
	DefaultBackoffBase       = 2 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultVisibilityTimeout = 30 * time.Second
	maxBackoff               = time.Hour
)

// Options tune the retry and claim policy.
type Options struct {
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
	MaxAttempts       int
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
}

// EnqueueOptions are per-job admission settings. Zero values take the queue defaults.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	Delay       time.Duration
}

// Queue applies the retry policy on top of a Backend.
type Queue struct {
	backend   Backend
	opts      Options
	scheduler *Scheduler
	now       func() time.Time

	mu     sync.Mutex
	wakeup map[models.JobKind]chan struct{}
}

// New creates a queue over backend.
func New(backend Backend, opts Options) *Queue {
	opts.applyDefaults()
	q := &Queue{
		backend: backend,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		wakeup:  make(map[models.JobKind]chan struct{}),
	}
	q.scheduler = NewScheduler(q)
	return q
}

// Options returns the effective options.
func (q *Queue) Options() Options { return q.opts }

// Scheduler returns the recurring-job scheduler bound to this queue.
func (q *Queue) Scheduler() *Scheduler { return q.scheduler }

func (q *Queue) signal(kind models.JobKind) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.wakeup[kind]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wakeup[kind] = ch
	}
	return ch
}

// now truncated to the microsecond precision of timestamptz, so lock tokens
// round-trip through Postgres unchanged.
func (q *Queue) clock() time.Time {
	return q.now().Truncate(time.Microsecond)
}

// Enqueue encodes payload and persists a new waiting job. The job is durable
// when Enqueue returns without error.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, payload any, opts EnqueueOptions) (*models.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Permanent("queue.enqueue", fmt.Errorf("encode %s payload: %w", kind, err))
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	now := q.clock()
	job := &models.Job{
		ID:          uuid.Must(uuid.NewV7()),
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		State:       models.JobWaiting,
		Priority:    opts.Priority,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.Delay > 0 {
		job.State = models.JobDelayed
	}

	if err := q.backend.Insert(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobsEnqueued.WithLabelValues(string(kind)).Inc()

	select {
	case q.signal(kind) <- struct{}{}:
	default:
	}
	return job, nil
}

// TryDequeue claims one job of kind if any is due, without waiting.
func (q *Queue) TryDequeue(ctx context.Context, kind models.JobKind) (*models.Job, error) {
	now := q.clock()
	return q.backend.Claim(ctx, kind, now, now.Add(q.opts.VisibilityTimeout))
}

// Dequeue blocks until a job of kind is claimed or ctx ends.
func (q *Queue) Dequeue(ctx context.Context, kind models.JobKind) (*models.Job, error) {
	wake := q.signal(kind)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.TryDequeue(ctx, kind)
		if err != nil || job != nil {
			return job, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// Extend renews the claim on job for another VisibilityTimeout and updates
// job.LockedUntil. It returns ErrLockLost when the claim already expired.
func (q *Queue) Extend(ctx context.Context, job *models.Job) error {
	lock := q.clock().Add(q.opts.VisibilityTimeout)
	if err := q.backend.Extend(ctx, job, lock); err != nil {
		return err
	}
	job.LockedUntil = &lock
	return nil
}

// Ack marks job completed.
func (q *Queue) Ack(ctx context.Context, job *models.Job) error {
	if err := q.backend.Complete(ctx, job); err != nil {
		return err
	}
	job.State = models.JobCompleted
	metrics.JobsCompleted.WithLabelValues(string(job.Kind)).Inc()
	return nil
}

// Backoff is the delay before the next attempt of a job that has already
// failed attempts times: base * 2^(attempts-1), so the first retry waits base.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Nack records a failed attempt. The job returns to waiting after Backoff
// while attempts remain, otherwise it is parked as failed.
func (q *Queue) Nack(ctx context.Context, job *models.Job, cause error) error {
	job.Attempts++
	if cause != nil {
		job.LastError = fmt.Sprintf("[%s] %v", apperr.KindOf(cause), cause)
	}

	log := logging.Ctx(ctx).With().
		Str("job_id", job.ID.String()).
		Str("kind", string(job.Kind)).
		Int("attempts", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Logger()

	if job.Attempts >= job.MaxAttempts {
		if err := q.backend.Fail(ctx, job); err != nil {
			return err
		}
		job.State = models.JobFailed
		metrics.JobsFailed.WithLabelValues(string(job.Kind)).Inc()
		log.Error().Str("error", job.LastError).Msg("job failed, attempts exhausted")
		return nil
	}

	delay := q.Backoff(job.Attempts)
	runAt := q.clock().Add(delay)
	if err := q.backend.Requeue(ctx, job, runAt); err != nil {
		return err
	}
	job.State = models.JobDelayed
	job.RunAt = runAt
	metrics.JobsRetried.WithLabelValues(string(job.Kind)).Inc()
	log.Warn().Str("error", job.LastError).Dur("delay", delay).Msg("job retry scheduled")
	return nil
}

// errStalled is recorded on jobs whose worker stopped renewing its claim.
var errStalled = errors.New("job stalled: lock expired before ack")

// RequeueStalled treats every expired active job as an implicit nack.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	jobs, err := q.backend.Expired(ctx, q.clock(), 100)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, job := range jobs {
		err := q.Nack(ctx, job, errStalled)
		if errors.Is(err, ErrLockLost) {
			continue
		}
		if err != nil {
			return n, err
		}
		metrics.JobsStalled.WithLabelValues(string(job.Kind)).Inc()
		n++
	}
	return n, nil
}

// Stats returns per-kind counts. Every known kind is present even when empty.
func (q *Queue) Stats(ctx context.Context) (map[models.JobKind]models.QueueStats, error) {
	counts, err := q.backend.Counts(ctx, q.clock())
	if err != nil {
		return nil, err
	}
	out := make(map[models.JobKind]models.QueueStats, len(models.AllJobKinds))
	for _, k := range models.AllJobKinds {
		out[k] = counts[k]
	}
	for k, s := range counts {
		out[k] = s
	}
	return out, nil
}

// Schedule registers a recurring admission of kind with payload on cronExpr.
// Each firing enqueues an independent one-shot job; recurrence never goes
// through the retry machinery.
func (q *Queue) Schedule(kind models.JobKind, payload any, cronExpr string) error {
	return q.scheduler.Add(kind, payload, cronExpr)
}

// Decode unmarshals the payload of job into T.
func Decode[T any](job *models.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, apperr.Permanent("queue.decode", fmt.Errorf("decode %s job %s: %w", job.Kind, job.ID, err))
	}
	return v, nil
}
