package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"event-tracking-service/api/internal/jobs"
	"event-tracking-service/api/internal/repos"
	"event-tracking-service/api/internal/stats"
	"event-tracking-service/shared/cachex"
	"event-tracking-service/shared/config"
	"event-tracking-service/shared/dbx"
	"event-tracking-service/shared/influxx"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
	"event-tracking-service/shared/mqx"
	"event-tracking-service/shared/observability"
)

func main() {
	cfg, problems := config.Load("tracking-worker", 8083)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)
	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required for the rollup lock"})
	}
	if cfg.OutboxEnabled && len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required when OUTBOX_ENABLED"})
	}
	if len(problems) > 0 {
		logger.Error(ctx, "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(ctx, observability.TracerConfigFrom(cfg)); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(ctx, "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(ctx, "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer func() { _ = cache.Close() }()

	// Influx is optional; without it the rollup still refreshes the cached summary.
	var points jobs.PointWriter
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(ctx, "influx_init_failed", "rollup points disabled", slog.String("error", err.Error()))
		} else {
			defer influx.Close()
			points = influx
		}
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	rollup := &jobs.RollupJob{
		Stats:      stats.NewAggregator(repos.NewEventsRepo(dbPool), cfg.StatsLocation),
		Points:     points,
		Redis:      cache.Client(),
		Cache:      cache,
		LockTTL:    time.Duration(cfg.RollupSec) * time.Second,
		SummaryTTL: 24 * time.Hour,
		Logger:     logger,
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskStatsRollup, rollup.HandleRollup)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()

	type entry struct {
		spec string
		task *asynq.Task
	}
	schedule := []entry{{jobs.Every(cfg.RollupSec), jobs.NewRollupTask(cfg.AsynqQueue)}}

	if cfg.OutboxEnabled {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(ctx, "kafka_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer producer.Close()

		outbox := &jobs.OutboxJobs{
			Store:       repos.NewOutboxRepo(dbPool),
			Publisher:   producer,
			Enqueuer:    client,
			Queue:       cfg.AsynqQueue,
			Owner:       cfg.ServiceName,
			BatchSize:   cfg.OutboxBatchSize,
			MaxAttempts: cfg.OutboxMaxAttempts,
			StaleAfter:  5 * time.Minute,
			Logger:      logger,
		}
		mux.HandleFunc(jobs.TaskOutboxScan, outbox.HandleScan)
		mux.HandleFunc(jobs.TaskOutboxDispatch, outbox.HandleDispatch)
		schedule = append(schedule, entry{jobs.Every(cfg.OutboxScanSec), jobs.NewScanTask(cfg.AsynqQueue)})
	}

	for _, e := range schedule {
		if _, err := scheduler.Register(e.spec, e.task); err != nil {
			logger.Error(ctx, "scheduler_init_failed", "scheduler init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("task", e.task.Type()),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(ctx, "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker_start", "tracking worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Bool("outbox", cfg.OutboxEnabled),
			slog.Int("rollup_interval_seconds", cfg.RollupSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(ctx, "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(ctx, "worker_stop", "tracking worker stopped")
}
