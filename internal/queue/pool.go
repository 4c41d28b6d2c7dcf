package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// Handler processes one job. A nil return acks the job, any error nacks it.
type Handler func(ctx context.Context, job *models.Job) error

// Pool serves one job kind with a fixed number of worker slots. Pools of
// different kinds are independent, so a backlog in one never starves another.
type Pool struct {
	queue       *Queue
	kind        models.JobKind
	concurrency int
	handler     Handler
}

// NewPool creates a pool of concurrency slots for kind.
func NewPool(q *Queue, kind models.JobKind, concurrency int, h Handler) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{queue: q, kind: kind, concurrency: concurrency, handler: h}
}

// Serve implements suture.Service. It returns once ctx is cancelled and every
// slot has finished its current job.
func (p *Pool) Serve(ctx context.Context) error {
	log := logging.WithComponent("pool").With().Str("kind", string(p.kind)).Logger()
	log.Info().Int("concurrency", p.concurrency).Msg("worker pool started")

	g, gctx := errgroup.WithContext(ctx)
	for slot := range p.concurrency {
		g.Go(func() error {
			return p.slot(gctx, slot)
		})
	}
	err := g.Wait()

	log.Info().Msg("worker pool stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Pool) slot(ctx context.Context, slot int) error {
	for {
		job, err := p.queue.Dequeue(ctx, p.kind)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logging.Warn().Err(err).Str("kind", string(p.kind)).Int("slot", slot).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.queue.opts.PollInterval):
			}
			continue
		}

		// A claimed job runs to completion even when shutdown starts.
		p.Process(context.WithoutCancel(ctx), job)
	}
}

// Process runs the handler on a claimed job and acks or nacks it.
func (p *Pool) Process(ctx context.Context, job *models.Job) {
	ctx = logging.ContextWithCorrelationID(ctx, job.ID.String())
	log := logging.Ctx(ctx).With().
		Str("job_id", job.ID.String()).
		Str("kind", string(job.Kind)).
		Int("attempt", job.Attempts+1).
		Logger()

	start := time.Now()
	stop := p.heartbeat(ctx, job)
	err := p.run(ctx, job)
	stop()
	outcome := "completed"

	if err == nil {
		if ackErr := p.queue.Ack(ctx, job); ackErr != nil {
			outcome = "ack_failed"
			log.Error().Err(ackErr).Msg("ack failed")
		} else {
			log.Debug().Dur("took", time.Since(start)).Msg("job completed")
		}
	} else {
		outcome = "failed"
		if nackErr := p.queue.Nack(ctx, job, err); nackErr != nil {
			log.Error().Err(nackErr).AnErr("cause", err).Msg("nack failed")
		}
		if errors.Is(err, errHandlerPanic) {
			outcome = "panic"
		}
	}

	metrics.JobDuration.WithLabelValues(string(job.Kind), outcome).Observe(time.Since(start).Seconds())
}

// heartbeat keeps the claim on job alive while the handler runs, so the
// reaper only takes over jobs whose worker is gone. The returned stop waits
// for any in-flight renewal, after which job.LockedUntil is stable.
func (p *Pool) heartbeat(ctx context.Context, job *models.Job) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(max(p.queue.opts.VisibilityTimeout/3, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
			}
			err := p.queue.Extend(ctx, job)
			if errors.Is(err, ErrLockLost) {
				logging.Ctx(ctx).Warn().Str("job_id", job.ID.String()).Msg("claim lost while running")
				return
			}
			if err != nil {
				logging.Ctx(ctx).Warn().Err(err).Str("job_id", job.ID.String()).Msg("claim renewal failed")
			}
		}
	}()

	return func() {
		close(quit)
		<-done
	}
}

var errHandlerPanic = errors.New("handler panic")

// run converts a handler panic into an ordinary failed attempt.
func (p *Pool) run(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) String() string { return "pool-" + string(p.kind) }
