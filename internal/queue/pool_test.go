package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met after %s", timeout)
}

func fastQueue() *Queue {
	return New(NewMemoryBackend(), Options{
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		MaxAttempts:  3,
	})
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	q := fastQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	pool := NewPool(q, models.KindSingleEvent, 2, func(ctx context.Context, job *models.Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	go pool.Serve(ctx)

	if _, err := q.Enqueue(ctx, models.KindSingleEvent, payload{}, EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		s, _ := q.Stats(ctx)
		return s[models.KindSingleEvent].Completed == 1
	})
	if calls.Load() != 3 {
		t.Fatalf("handler called %d times, want 3", calls.Load())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	q := fastQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const slots = 3
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
		done     atomic.Int32
	)
	pool := NewPool(q, models.KindBatchEvents, slots, func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		done.Add(1)
		return nil
	})
	go pool.Serve(ctx)

	for range 12 {
		if _, err := q.Enqueue(ctx, models.KindBatchEvents, payload{}, EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return done.Load() == 12 })
	mu.Lock()
	defer mu.Unlock()
	if peak > slots {
		t.Fatalf("peak concurrency %d exceeds %d slots", peak, slots)
	}
	if peak < 2 {
		t.Fatalf("peak concurrency %d, slots were not used in parallel", peak)
	}
}

func TestPoolRenewsClaimOfSlowJob(t *testing.T) {
	q := New(NewMemoryBackend(), Options{
		PollInterval:      5 * time.Millisecond,
		VisibilityTimeout: 50 * time.Millisecond,
		BackoffBase:       time.Millisecond,
		MaxAttempts:       3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	pool := NewPool(q, models.KindBatchEvents, 2, func(ctx context.Context, job *models.Job) error {
		runs.Add(1)
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	go pool.Serve(ctx)
	go NewReaper(q, 10*time.Millisecond).Serve(ctx)

	if _, err := q.Enqueue(ctx, models.KindBatchEvents, payload{}, EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		s, _ := q.Stats(ctx)
		return s[models.KindBatchEvents].Completed == 1
	})
	// Give a wrongly reaped copy time to surface.
	time.Sleep(100 * time.Millisecond)

	s, _ := q.Stats(ctx)
	if st := s[models.KindBatchEvents]; st.Completed != 1 || st.Failed != 0 || st.Waiting != 0 || st.Active != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if runs.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", runs.Load())
	}
}

func TestPoolTreatsPanicAsFailedAttempt(t *testing.T) {
	q := fastQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(q, models.KindAggregateMetrics, 1, func(ctx context.Context, job *models.Job) error {
		panic("corrupt payload")
	})
	go pool.Serve(ctx)

	job, err := q.Enqueue(ctx, models.KindAggregateMetrics, payload{}, EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	backend := q.backend.(*MemoryBackend)
	waitFor(t, 2*time.Second, func() bool {
		j, ok := backend.Job(job.ID)
		return ok && j.State == models.JobFailed
	})
	j, _ := backend.Job(job.ID)
	if j.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", j.Attempts)
	}
}

func TestPoolStopsOnCancel(t *testing.T) {
	q := fastQueue()
	ctx, cancel := context.WithCancel(context.Background())

	pool := NewPool(q, models.KindSingleEvent, 4, func(ctx context.Context, job *models.Job) error { return nil })
	errc := make(chan error, 1)
	go func() { errc <- pool.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}
