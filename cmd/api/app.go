package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/config"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/httpserver"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/notify"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/pipeline"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/queue"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/realtime"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/store"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/supervisor"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/window"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/worker"
)

// app holds the storage-bound components shared by every subcommand.
type app struct {
	store    store.Store
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
	cleanup  *worker.Cleanup
}

// open connects the configured backends. For Postgres the schema is applied
// so `docker compose up --build` is enough.
func open(ctx context.Context, cfg config.Config) (*app, error) {
	opts := queue.Options{
		PollInterval:      cfg.Queue.PollInterval,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		BackoffBase:       cfg.Queue.BackoffBase,
		MaxAttempts:       cfg.Queue.MaxAttempts,
	}

	var (
		st      store.Store
		backend queue.Backend
	)
	switch cfg.Database.Backend {
	case config.BackendMemory:
		logging.Warn().Msg("memory backend: events, metrics and jobs are lost on restart")
		st = store.NewMemoryStore()
		backend = queue.NewMemoryBackend()

	default:
		db, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply store schema: %w", err)
		}
		pg := queue.NewPostgresBackend(db.Pool())
		if err := pg.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply queue schema: %w", err)
		}
		st, backend = db, pg
	}

	q := queue.New(backend, opts)
	return &app{
		store:    st,
		queue:    q,
		pipeline: pipeline.New(q, st, st),
		cleanup:  worker.NewCleanup(st, st, cfg.Retention.Days),
	}, nil
}

func (a *app) Close() { a.store.Close() }

// serve wires the full service under a supervisor tree and blocks until ctx
// is cancelled.
func serve(ctx context.Context, cfg config.Config) error {
	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})

	hub := realtime.NewHub(cfg.Notify.Buffer)
	tree.AddDataService(hub)

	var pub notify.Publisher = hub
	if cfg.Notify.Relay == config.RelayRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Notify.RedisAddr})
		defer client.Close()

		relay := notify.NewRedisRelay(client, hub)
		tree.AddDataService(relay)
		pub = relay
		logging.Info().Str("addr", cfg.Notify.RedisAddr).Msg("notifications relayed through redis")
	}

	proc := worker.NewProcessor(a.store, a.store, notify.New(pub),
		worker.WithLocation(loc),
		worker.WithExtractor(window.ValueExtractor{Field: cfg.Window.ValueField}),
	)
	aggregator := worker.NewAggregator(a.store)

	for _, p := range []*queue.Pool{
		queue.NewPool(a.queue, models.KindSingleEvent, cfg.Queue.EventConcurrency, proc.HandleSingle),
		queue.NewPool(a.queue, models.KindBatchEvents, cfg.Queue.BatchConcurrency, proc.HandleBatch),
		queue.NewPool(a.queue, models.KindAggregateMetrics, cfg.Queue.AggregationConcurrency, aggregator.Handle),
		queue.NewPool(a.queue, models.KindScheduledCleanup, cfg.Queue.CleanupConcurrency, a.cleanup.Handle),
	} {
		tree.AddWorkerService(p)
	}
	tree.AddWorkerService(queue.NewReaper(a.queue, cfg.Queue.ReapInterval))

	// Each replica fires its own cleanup; the deletes are idempotent.
	if err := a.queue.Schedule(models.KindScheduledCleanup, struct{}{}, cfg.Retention.Schedule); err != nil {
		return err
	}
	tree.AddWorkerService(a.queue.Scheduler())
	logging.Info().
		Str("schedule", cfg.Retention.Schedule).
		Time("next_run", a.queue.Scheduler().Next()[models.KindScheduledCleanup]).
		Msg("retention cleanup scheduled")

	router := httpserver.NewRouter(cfg, a.pipeline, hub, a.store)
	srv := httpserver.NewServer(cfg, router)
	tree.AddAPIService(supervisor.NewHTTPService(srv, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", cfg.Server.Addr).
		Str("backend", cfg.Database.Backend).
		Str("window_location", loc.String()).
		Msg("server started")

	err = tree.Serve(ctx)
	if ctx.Err() != nil {
		logging.Info().Msg("shutdown complete")
		return nil
	}
	return err
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
