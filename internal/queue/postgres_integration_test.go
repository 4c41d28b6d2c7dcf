//go:build integration

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/store"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/testinfra"
)

func newPostgresQueue(t *testing.T) (*Queue, *PostgresBackend) {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewPostgresStore(ctx, testinfra.StartPostgres(t), 20)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)

	backend := NewPostgresBackend(s.Pool())
	if err := backend.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return New(backend, Options{PollInterval: 10 * time.Millisecond, BackoffBase: time.Millisecond}), backend
}

func TestPostgresConcurrentClaimsNeverShareAJob(t *testing.T) {
	q, _ := newPostgresQueue(t)
	ctx := context.Background()

	const jobs = 40
	for i := range jobs {
		if _, err := q.Enqueue(ctx, models.KindSingleEvent, payload{N: i}, EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.TryDequeue(ctx, models.KindSingleEvent)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				if err := q.Ack(ctx, job); err != nil {
					t.Errorf("ack: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[models.KindSingleEvent].Completed != jobs {
		t.Fatalf("unexpected stats %+v", stats[models.KindSingleEvent])
	}
}

func TestPostgresRetryBound(t *testing.T) {
	q, backend := newPostgresQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, models.KindBatchEvents, payload{}, EnqueueOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	attempts := 0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		claimed, err := q.TryDequeue(ctx, models.KindBatchEvents)
		if err != nil {
			t.Fatal(err)
		}
		if claimed == nil {
			stored, err := backend.Job(ctx, job.ID.String())
			if err != nil {
				t.Fatal(err)
			}
			if stored.State == models.JobFailed {
				break
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		attempts++
		if err := q.Nack(ctx, claimed, errors.New("always fails")); err != nil {
			t.Fatal(err)
		}
	}

	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	stored, err := backend.Job(ctx, job.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.JobFailed || stored.Attempts != 3 {
		t.Fatalf("state=%s attempts=%d", stored.State, stored.Attempts)
	}
}

func TestPostgresExtendMovesLockToken(t *testing.T) {
	q, _ := newPostgresQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, models.KindSingleEvent, payload{}, EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	claimed, err := q.TryDequeue(ctx, models.KindSingleEvent)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	stale := *claimed

	if err := q.Extend(ctx, claimed); err != nil {
		t.Fatal(err)
	}
	if !claimed.LockedUntil.After(*stale.LockedUntil) {
		t.Fatal("lock not moved forward")
	}
	if err := q.Extend(ctx, &stale); !errors.Is(err, ErrLockLost) {
		t.Fatalf("extend under superseded lock: got %v, want ErrLockLost", err)
	}
	if err := q.Ack(ctx, claimed); err != nil {
		t.Fatal(err)
	}
}
