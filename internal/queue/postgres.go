package queue

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// PostgresBackend stores jobs in the jobs table. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never receive the
// same job.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend uses pool, typically shared with the event store.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, schemaSQL)
	return err
}

const jobColumns = `id, kind, payload, attempts, max_attempts, state, priority, run_at, locked_until, last_error, created_at, updated_at`

const claimedColumns = `jobs.id, jobs.kind, jobs.payload, jobs.attempts, jobs.max_attempts, jobs.state,
	jobs.priority, jobs.run_at, jobs.locked_until, jobs.last_error, jobs.created_at, jobs.updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j     models.Job
		kind  string
		state string
	)
	err := row.Scan(&j.ID, &kind, &j.Payload, &j.Attempts, &j.MaxAttempts, &state,
		&j.Priority, &j.RunAt, &j.LockedUntil, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.State = models.JobState(state)
	return &j, nil
}

func (b *PostgresBackend) Insert(ctx context.Context, job *models.Job) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, payload, attempts, max_attempts, state, priority, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, 'waiting', $5, $6, $7, $7)
	`, job.ID, string(job.Kind), job.Payload, job.MaxAttempts, job.Priority, job.RunAt, job.CreatedAt)
	return store.Classify("queue.insert", err)
}

func (b *PostgresBackend) Claim(ctx context.Context, kind models.JobKind, now, lockUntil time.Time) (*models.Job, error) {
	row := b.pool.QueryRow(ctx, `
		WITH claimable AS (
			SELECT id
			FROM jobs
			WHERE kind = $1
			  AND state = 'waiting'
			  AND run_at <= $2
			ORDER BY priority ASC, run_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET state = 'active',
		    locked_until = $3,
		    updated_at = $2
		FROM claimable
		WHERE jobs.id = claimable.id
		RETURNING `+claimedColumns,
		string(kind), now, lockUntil)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify("queue.claim", err)
	}
	return job, nil
}

func (b *PostgresBackend) Extend(ctx context.Context, job *models.Job, lockUntil time.Time) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE jobs
		SET locked_until = $3, updated_at = now()
		WHERE id = $1 AND state = 'active' AND locked_until = $2
	`, job.ID, job.LockedUntil, lockUntil)
	if err != nil {
		return store.Classify("queue.extend", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

func (b *PostgresBackend) Complete(ctx context.Context, job *models.Job) error {
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM jobs
			WHERE id = $1 AND state = 'active' AND locked_until = $2
		`, job.ID, job.LockedUntil)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrLockLost
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO queue_counters (kind, completed) VALUES ($1, 1)
			ON CONFLICT (kind) DO UPDATE SET completed = queue_counters.completed + 1
		`, string(job.Kind))
		return err
	})
	if errors.Is(err, ErrLockLost) {
		return err
	}
	return store.Classify("queue.complete", err)
}

func (b *PostgresBackend) transition(ctx context.Context, op, state string, job *models.Job, runAt time.Time) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $3,
		    attempts = $4,
		    last_error = $5,
		    run_at = $6,
		    locked_until = NULL,
		    updated_at = now()
		WHERE id = $1 AND state = 'active' AND locked_until = $2
	`, job.ID, job.LockedUntil, state, job.Attempts, job.LastError, runAt)
	if err != nil {
		return store.Classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

func (b *PostgresBackend) Requeue(ctx context.Context, job *models.Job, runAt time.Time) error {
	return b.transition(ctx, "queue.requeue", "waiting", job, runAt)
}

func (b *PostgresBackend) Fail(ctx context.Context, job *models.Job) error {
	return b.transition(ctx, "queue.fail", "failed", job, job.RunAt)
}

func (b *PostgresBackend) Expired(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = 'active' AND locked_until < $1
		ORDER BY locked_until ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, store.Classify("queue.expired", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, store.Classify("queue.expired", err)
		}
		out = append(out, j)
	}
	return out, store.Classify("queue.expired", rows.Err())
}

func (b *PostgresBackend) Counts(ctx context.Context, now time.Time) (map[models.JobKind]models.QueueStats, error) {
	out := make(map[models.JobKind]models.QueueStats)

	rows, err := b.pool.Query(ctx, `
		SELECT kind,
		       COUNT(*) FILTER (WHERE state = 'waiting' AND run_at <= $1),
		       COUNT(*) FILTER (WHERE state = 'waiting' AND run_at > $1),
		       COUNT(*) FILTER (WHERE state = 'active'),
		       COUNT(*) FILTER (WHERE state = 'failed')
		FROM jobs
		GROUP BY kind
	`, now)
	if err != nil {
		return nil, store.Classify("queue.counts", err)
	}
	for rows.Next() {
		var (
			kind string
			s    models.QueueStats
		)
		if err := rows.Scan(&kind, &s.Waiting, &s.Delayed, &s.Active, &s.Failed); err != nil {
			rows.Close()
			return nil, store.Classify("queue.counts", err)
		}
		out[models.JobKind(kind)] = s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, store.Classify("queue.counts", err)
	}

	rows, err = b.pool.Query(ctx, `SELECT kind, completed FROM queue_counters`)
	if err != nil {
		return nil, store.Classify("queue.counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind      string
			completed int64
		)
		if err := rows.Scan(&kind, &completed); err != nil {
			return nil, store.Classify("queue.counts", err)
		}
		s := out[models.JobKind(kind)]
		s.Completed = completed
		out[models.JobKind(kind)] = s
	}
	return out, store.Classify("queue.counts", rows.Err())
}

// Job loads one job by id.
func (b *PostgresBackend) Job(ctx context.Context, id string) (*models.Job, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	return j, store.Classify("queue.job", err)
}
