package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"event-tracking-service/api/internal/ingest"
	"event-tracking-service/api/internal/repos"
	"event-tracking-service/api/internal/seed"
	"event-tracking-service/shared/config"
	"event-tracking-service/shared/dbx"
	"event-tracking-service/shared/logx"
)

var (
	seedReset   bool
	seedMigrate bool
	seedCount   int
	seedRandSrc int64
)

var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load tracking events into the database",
	Long: `seed writes events through the same ingestion path as POST /events, so ids that
already exist are reported as duplicates instead of being overwritten.

Examples:
  # Fixed demo dataset for today
  seed demo --reset

  # 500 random events spread over today
  seed random --count 500`,
	SilenceUsage: true,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Insert the fixed demo dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), func(cfg config.Config) ([]json.RawMessage, error) {
			return seed.Demo(time.Now(), cfg.StatsLocation)
		})
	},
}

var randomCmd = &cobra.Command{
	Use:   "random",
	Short: "Insert randomly generated events",
	RunE: func(cmd *cobra.Command, args []string) error {
		faker := gofakeit.New(seedRandSrc)
		return run(cmd.Context(), func(cfg config.Config) ([]json.RawMessage, error) {
			return seed.Random(faker, seedCount, time.Now(), cfg.StatsLocation)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&seedReset, "reset", false, "delete every stored event first")
	rootCmd.PersistentFlags().BoolVar(&seedMigrate, "migrate", true, "apply schema migrations first")
	randomCmd.Flags().IntVar(&seedCount, "count", 100, "number of events to generate")
	randomCmd.Flags().Int64Var(&seedRandSrc, "seed", 0, "random seed (0 picks one)")
	rootCmd.AddCommand(demoCmd, randomCmd)
}

func run(ctx context.Context, build func(config.Config) ([]json.RawMessage, error)) error {
	cfg, problems := config.Load("tracking-seed", 3000)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)
	for _, p := range problems {
		logger.Warn(ctx, "config_problem", p.Message, slog.String("field", p.Field))
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	if seedMigrate {
		if _, err := dbx.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	pool, err := dbx.NewPool(cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()
	repo := repos.NewEventsRepo(pool)

	if seedReset {
		n, err := repo.DeleteAll(ctx)
		if err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		logger.Info(ctx, "seed_reset", "deleted existing events", slog.Int64("deleted", n))
	}

	items, err := build(cfg)
	if err != nil {
		return err
	}
	res, err := ingest.NewProcessor(repo, cfg.StatsLocation, logger).Process(ctx, items)
	if err != nil {
		return err
	}
	logger.Info(ctx, "seed_done", "seed completed",
		slog.Int("processed", res.Processed),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("errors", len(res.Errors)),
	)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
