package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// Scheduler fires recurring admissions on a wall-clock schedule. A firing
// enqueues a fresh one-shot job with a single attempt: a failed run is not
// retried, the next firing is.
type Scheduler struct {
	queue *Queue
	cron  *cron.Cron
	log   zerolog.Logger

	mu      sync.Mutex
	entries []scheduledEntry
}

type scheduledEntry struct {
	id   cron.EntryID
	kind models.JobKind
	expr string
}

// NewScheduler binds a scheduler to q. Cron expressions are evaluated in
// server local time unless they carry a CRON_TZ= prefix.
func NewScheduler(q *Queue) *Scheduler {
	log := logging.WithComponent("scheduler")
	return &Scheduler{
		queue: q,
		log:   log,
		cron:  cron.New(cron.WithLogger(cronLogger{log: log})),
	}
}

// Add registers payload to be enqueued as kind on every firing of expr.
// expr uses the standard five-field syntax or a descriptor such as @daily.
func (s *Scheduler) Add(kind models.JobKind, payload any, expr string) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(kind, payload, expr)
	}))

	s.mu.Lock()
	s.entries = append(s.entries, scheduledEntry{id: id, kind: kind, expr: expr})
	s.mu.Unlock()

	s.log.Info().Str("kind", string(kind)).Str("schedule", expr).Msg("recurring job registered")
	return nil
}

func (s *Scheduler) fire(kind models.JobKind, payload any, expr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := s.queue.Enqueue(ctx, kind, payload, EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		s.log.Error().Err(err).Str("kind", string(kind)).Str("schedule", expr).Msg("scheduled enqueue failed")
		return
	}
	s.log.Info().Str("kind", string(kind)).Str("job_id", job.ID.String()).Msg("scheduled job enqueued")
}

// Next reports the next firing time of every registered kind. Before Serve
// starts it is computed from the schedule.
func (s *Scheduler) Next() map[models.JobKind]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make(map[models.JobKind]time.Time, len(s.entries))
	for _, e := range s.entries {
		entry := s.cron.Entry(e.id)
		next := entry.Next
		if next.IsZero() && entry.Schedule != nil {
			next = entry.Schedule.Next(now)
		}
		out[e.kind] = next
	}
	return out
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()

	// Wait for an in-flight firing to finish its enqueue.
	<-s.cron.Stop().Done()
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

// cronLogger routes cron's internal logging to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
