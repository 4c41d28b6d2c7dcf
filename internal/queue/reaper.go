package queue

import (
	"context"
	"time"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
)

// Reaper periodically returns jobs whose worker died mid-processing to the
// queue. Each requeue counts as a failed attempt.
type Reaper struct {
	queue    *Queue
	interval time.Duration
}

// NewReaper checks for stalled jobs every interval.
func NewReaper(q *Queue, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = q.opts.VisibilityTimeout / 2
	}
	return &Reaper{queue: q, interval: interval}
}

// Serve implements suture.Service.
func (r *Reaper) Serve(ctx context.Context) error {
	log := logging.WithComponent("reaper")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.queue.RequeueStalled(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("stalled job sweep failed")
				continue
			}
			if n > 0 {
				log.Warn().Int("jobs", n).Msg("stalled jobs requeued")
			}
		}
	}
}

func (r *Reaper) String() string { return "reaper" }
