package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/config"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// main boots the CLI: config -> logging -> subcommand. With no subcommand the
// service is started.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logging.Error().Err(err).Msg("exiting")
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config.Config

	root := &cobra.Command{
		Use:   "analytics",
		Short: "Multi-tenant event ingestion and metric aggregation pipeline",
		Long: `analytics ingests application events through a durable queue, rolls them
into 1min, 5min, 1h and 1d metric windows per project, and pushes updates to
connected dashboards.

Configuration is read from config.yaml (or CONFIG_PATH) and the environment;
see DB_URL, API_KEYS, STORAGE_BACKEND, NOTIFY_RELAY and LOG_LEVEL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			return nil
		},
	}

	serve := newServeCmd(&cfg)
	root.RunE = serve.RunE
	root.AddCommand(serve, newMigrateCmd(&cfg), newCleanupCmd(&cfg), newStatsCmd(&cfg))
	return root
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, worker pools and scheduler (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Database.Backend != config.BackendPostgres {
				return fmt.Errorf("migrate needs the %s backend, configured %q", config.BackendPostgres, cfg.Database.Backend)
			}
			app, err := open(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			logging.Info().Msg("schema up to date")
			return nil
		},
	}
}

func newCleanupCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention pass synchronously",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := open(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.cleanup.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newStatsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-kind queue counts and the next retention run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := open(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.pipeline.GetQueueStats(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.queue.Schedule(models.KindScheduledCleanup, struct{}{}, cfg.Retention.Schedule); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"queues":      stats,
				"nextCleanup": app.queue.Scheduler().Next()[models.KindScheduledCleanup],
			})
		},
	}
}
