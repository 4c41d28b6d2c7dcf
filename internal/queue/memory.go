package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// MemoryBackend keeps jobs in process memory. Jobs do not survive a restart,
// so it is only suitable for development and tests.
type MemoryBackend struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	completed map[models.JobKind]int64
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:      make(map[uuid.UUID]*models.Job),
		completed: make(map[models.JobKind]int64),
	}
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

func (m *MemoryBackend) Insert(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := copyJob(job)
	stored.State = models.JobWaiting
	m.jobs[job.ID] = stored
	return nil
}

func (m *MemoryBackend) Claim(_ context.Context, kind models.JobKind, now, lockUntil time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.Job
	for _, j := range m.jobs {
		if j.Kind != kind || j.State != models.JobWaiting || j.RunAt.After(now) {
			continue
		}
		if best == nil || claimsBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	lock := lockUntil
	best.State = models.JobActive
	best.LockedUntil = &lock
	best.UpdatedAt = now
	return copyJob(best), nil
}

func claimsBefore(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// owned returns the stored job if it is still active under job's lock.
func (m *MemoryBackend) owned(job *models.Job) (*models.Job, error) {
	stored, ok := m.jobs[job.ID]
	if !ok || stored.State != models.JobActive || stored.LockedUntil == nil || job.LockedUntil == nil ||
		!stored.LockedUntil.Equal(*job.LockedUntil) {
		return nil, ErrLockLost
	}
	return stored, nil
}

func (m *MemoryBackend) Extend(_ context.Context, job *models.Job, lockUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.owned(job)
	if err != nil {
		return err
	}
	stored.LockedUntil = &lockUntil
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryBackend) Complete(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.owned(job); err != nil {
		return err
	}
	delete(m.jobs, job.ID)
	m.completed[job.Kind]++
	return nil
}

func (m *MemoryBackend) Requeue(_ context.Context, job *models.Job, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.owned(job)
	if err != nil {
		return err
	}
	stored.State = models.JobWaiting
	stored.Attempts = job.Attempts
	stored.LastError = job.LastError
	stored.RunAt = runAt
	stored.LockedUntil = nil
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryBackend) Fail(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.owned(job)
	if err != nil {
		return err
	}
	stored.State = models.JobFailed
	stored.Attempts = job.Attempts
	stored.LastError = job.LastError
	stored.LockedUntil = nil
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryBackend) Expired(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Job
	for _, j := range m.jobs {
		if j.State == models.JobActive && j.LockedUntil != nil && j.LockedUntil.Before(now) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].LockedUntil.Before(*out[k].LockedUntil) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryBackend) Counts(_ context.Context, now time.Time) (map[models.JobKind]models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[models.JobKind]models.QueueStats)
	for kind, n := range m.completed {
		s := out[kind]
		s.Completed = n
		out[kind] = s
	}
	for _, j := range m.jobs {
		s := out[j.Kind]
		switch j.State {
		case models.JobWaiting:
			if j.RunAt.After(now) {
				s.Delayed++
			} else {
				s.Waiting++
			}
		case models.JobActive:
			s.Active++
		case models.JobFailed:
			s.Failed++
		}
		out[j.Kind] = s
	}
	return out, nil
}

// Job returns a copy of a stored job, for inspection of failed jobs.
func (m *MemoryBackend) Job(id uuid.UUID) (*models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return copyJob(j), true
}
