package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/apperr"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/window"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable persistence layer for events and aggregates.
//
// Writes go through a circuit breaker: after repeated transient failures the
// breaker opens and calls fail fast with a transient error, which the queue
// turns into a backoff instead of piling up blocked workers.
type PostgresStore struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker[any]
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string, maxConns int32) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, breaker: newBreaker("postgres-store")}, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// Only infrastructure failures count against the breaker; a rejected
		// row says nothing about database health.
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.Is(err, apperr.KindTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Pool exposes the connection pool so the job queue can share it.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// write runs fn behind the circuit breaker and classifies its error.
func (p *PostgresStore) write(op string, fn func() error) error {
	start := time.Now()
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, Classify(op, fn())
	})
	metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues(op, apperr.KindOf(Classify(op, err)).String()).Inc()
	}
	return Classify(op, err)
}

const insertEventSQL = `
	INSERT INTO events (id, project_id, event_type, data, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING
`

func eventArgs(e *models.Event) ([]any, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, apperr.Permanent("store.encode_event", err)
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, apperr.Permanent("store.encode_event", err)
	}
	return []any{e.ID, e.ProjectID, e.EventType, dataJSON, metaJSON, e.CreatedAt}, nil
}

// prepareEvent fills the identifier and creation time when the producer did not.
func prepareEvent(e *models.Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Metadata.Timestamp.IsZero() {
		e.Metadata.Timestamp = e.CreatedAt
	}
}

// InsertEvent persists a single event.
func (p *PostgresStore) InsertEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	prepareEvent(e)
	args, err := eventArgs(e)
	if err != nil {
		return nil, err
	}

	err = p.write("insert_event", func() error {
		_, err := p.pool.Exec(ctx, insertEventSQL, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// InsertEvents writes the batch inside one transaction. Any failing row rolls
// back the whole batch.
func (p *PostgresStore) InsertEvents(ctx context.Context, events []*models.Event) ([]*models.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		prepareEvent(e)
		args, err := eventArgs(e)
		if err != nil {
			return nil, err
		}
		batch.Queue(insertEventSQL, args...)
	}

	err := p.write("insert_events", func() error {
		return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
			return tx.SendBatch(ctx, batch).Close()
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// eventWhere builds the shared WHERE clause of event listing and counting.
func eventWhere(f models.EventFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// QueryEvents lists events newest first.
func (p *PostgresStore) QueryEvents(ctx context.Context, f models.EventFilter) ([]*models.Event, error) {
	where, args := eventWhere(f)
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	query := fmt.Sprintf(`
		SELECT id, project_id, event_type, data, metadata, created_at
		FROM events
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, Classify("query_events", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var (
			e        models.Event
			dataJSON []byte
			metaJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventType, &dataJSON, &metaJSON, &e.CreatedAt); err != nil {
			return nil, Classify("query_events", err)
		}
		if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
			return nil, apperr.Permanent("query_events", err)
		}
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return nil, apperr.Permanent("query_events", err)
		}
		out = append(out, &e)
	}
	return out, Classify("query_events", rows.Err())
}

// CountEvents counts events matching f (limit/offset ignored).
func (p *PostgresStore) CountEvents(ctx context.Context, f models.EventFilter) (int64, error) {
	where, args := eventWhere(f)

	var count int64
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM events "+where, args...).Scan(&count)
	return count, Classify("count_events", err)
}

// DeleteEventsBefore removes events created before cutoff.
func (p *PostgresStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := p.write("delete_events", func() error {
		tag, err := p.pool.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
		deleted = tag.RowsAffected()
		return err
	})
	return deleted, err
}

// upsertMetricSQL folds an observation into its bucket in one statement, so
// concurrent workers hitting the same key serialize on the row lock instead of
// racing a read-then-write. The arithmetic mirrors window.Merge.
const upsertMetricSQL = `
	INSERT INTO metric_aggregations AS m
		(id, project_id, metric_type, time_window, timestamp, count, sum, avg, min, max)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (project_id, metric_type, time_window, timestamp)
	DO UPDATE SET
		count = m.count + EXCLUDED.count,
		sum = CASE WHEN m.sum IS NULL AND EXCLUDED.sum IS NULL THEN NULL
		           ELSE COALESCE(m.sum, 0) + COALESCE(EXCLUDED.sum, 0) END,
		avg = CASE WHEN m.sum IS NULL AND EXCLUDED.sum IS NULL THEN NULL
		           ELSE (COALESCE(m.sum, 0) + COALESCE(EXCLUDED.sum, 0)) / (m.count + EXCLUDED.count) END,
		min = LEAST(m.min, EXCLUDED.min),
		max = GREATEST(m.max, EXCLUDED.max)
	RETURNING id, project_id, metric_type, time_window, timestamp, count, sum, avg, min, max, data, created_at
`

const metricColumns = `id, project_id, metric_type, time_window, timestamp, count, sum, avg, min, max, data, created_at`

// UpsertMetric merges obs into its aggregate row.
func (p *PostgresStore) UpsertMetric(ctx context.Context, obs window.Observation) (*models.MetricAggregate, error) {
	if obs.Count < 1 {
		return nil, apperr.Validation("upsert_metric", "observation count must be >= 1")
	}

	var out *models.MetricAggregate
	err := p.write("upsert_metric", func() error {
		row := p.pool.QueryRow(ctx, upsertMetricSQL,
			uuid.New(),
			obs.Key.ProjectID,
			obs.Key.MetricType,
			string(obs.Key.TimeWindow),
			obs.Key.Timestamp,
			obs.Count,
			obs.Sum,
			obs.Avg(),
			obs.Min,
			obs.Max,
		)
		m, err := scanMetric(row)
		out = m
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.MetricUpserts.WithLabelValues(string(obs.Key.TimeWindow)).Inc()
	return out, nil
}

func scanMetric(row pgx.Row) (*models.MetricAggregate, error) {
	var (
		m        models.MetricAggregate
		win      string
		dataJSON []byte
	)
	err := row.Scan(&m.ID, &m.ProjectID, &m.MetricType, &win, &m.Timestamp,
		&m.Count, &m.Sum, &m.Avg, &m.Min, &m.Max, &dataJSON, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.TimeWindow = models.TimeWindow(win)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &m.Data); err != nil {
			return nil, apperr.Permanent("scan_metric", err)
		}
	}
	return &m, nil
}

func (p *PostgresStore) queryMetrics(ctx context.Context, op, query string, args ...any) ([]*models.MetricAggregate, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, Classify(op, err)
	}
	defer rows.Close()

	var out []*models.MetricAggregate
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, Classify(op, err)
		}
		out = append(out, m)
	}
	return out, Classify(op, rows.Err())
}

// QueryMetrics returns aggregates matching f, newest bucket first.
func (p *PostgresStore) QueryMetrics(ctx context.Context, f models.MetricFilter) ([]*models.MetricAggregate, error) {
	conds := []string{"project_id = $1"}
	args := []any{f.ProjectID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.MetricType != "" {
		add("metric_type = $%d", f.MetricType)
	}
	if f.TimeWindow != "" {
		add("time_window = $%d", string(f.TimeWindow))
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > MaxMetricRows {
		limit = MaxMetricRows
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s FROM metric_aggregations
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT $%d
	`, metricColumns, strings.Join(conds, " AND "), len(args))

	return p.queryMetrics(ctx, "query_metrics", query, args...)
}

// Summary totals each metric type of a project over buckets starting at or after since.
func (p *PostgresStore) Summary(ctx context.Context, projectID string, w models.TimeWindow, since time.Time) ([]models.MetricSummary, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT metric_type, SUM(count)::BIGINT, AVG(avg), MIN(min), MAX(max)
		FROM metric_aggregations
		WHERE project_id = $1
		  AND time_window = $2
		  AND timestamp >= $3
		GROUP BY metric_type
		ORDER BY metric_type
	`, projectID, string(w), since)
	if err != nil {
		return nil, Classify("metric_summary", err)
	}
	defer rows.Close()

	var out []models.MetricSummary
	for rows.Next() {
		var s models.MetricSummary
		if err := rows.Scan(&s.MetricType, &s.TotalCount, &s.OverallAvg, &s.OverallMin, &s.OverallMax); err != nil {
			return nil, Classify("metric_summary", err)
		}
		out = append(out, s)
	}
	return out, Classify("metric_summary", rows.Err())
}

// TimeSeries returns the buckets of one metric between from and to, oldest first.
func (p *PostgresStore) TimeSeries(ctx context.Context, projectID, metricType string, w models.TimeWindow, from, to time.Time) ([]*models.MetricAggregate, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM metric_aggregations
		WHERE project_id = $1
		  AND metric_type = $2
		  AND time_window = $3
		  AND timestamp >= $4
		  AND timestamp <= $5
		ORDER BY timestamp ASC
	`, metricColumns)

	return p.queryMetrics(ctx, "metric_timeseries", query, projectID, metricType, string(w), from, to)
}

// DeleteMetricsBefore removes aggregates created before cutoff.
func (p *PostgresStore) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := p.write("delete_metrics", func() error {
		tag, err := p.pool.Exec(ctx, `DELETE FROM metric_aggregations WHERE created_at < $1`, cutoff)
		deleted = tag.RowsAffected()
		return err
	})
	return deleted, err
}
