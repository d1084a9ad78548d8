package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"event-tracking-service/api/internal/handlers"
	"event-tracking-service/api/internal/health"
	"event-tracking-service/api/internal/ingest"
	"event-tracking-service/api/internal/middleware"
	"event-tracking-service/api/internal/repos"
	"event-tracking-service/api/internal/stats"
	"event-tracking-service/shared/authx"
	"event-tracking-service/shared/cachex"
	"event-tracking-service/shared/config"
	"event-tracking-service/shared/dbx"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
	"event-tracking-service/shared/observability"
)

const description = "Ingests email tracking events and serves per-site daily statistics"

func main() {
	cfg, problems := config.Load("event-tracking-service", 3000)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)
	ctx := context.Background()

	if len(problems) > 0 {
		logger.Warn(ctx, "config_problems", "configuration problems found",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
	}

	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(ctx, observability.TracerConfigFrom(cfg))
		if err != nil {
			logger.Warn(ctx, "otel_init_failed", "tracing disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		if cfg.DBAutoMigrate {
			version, err := dbx.Migrate(cfg.DatabaseURL)
			if err != nil {
				logger.Error(ctx, "migrate_failed", "schema migration failed",
					slog.String("error_code", "FAILED_PRECONDITION"),
					slog.String("error", err.Error()),
				)
				os.Exit(1)
			}
			logger.Info(ctx, "migrate_done", "schema up to date", slog.Uint64("version", uint64(version)))
		}
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(ctx, "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	var eventsRepo *repos.EventsRepo
	if dbPool != nil {
		var opts []repos.EventsOption
		if cfg.OutboxEnabled {
			opts = append(opts, repos.WithOutbox(repos.NewOutboxRepo(dbPool)))
		}
		eventsRepo = repos.NewEventsRepo(dbPool, opts...)
	}

	var store repos.EventStore = eventsRepo
	cached := false
	if cfg.RedisAddr != "" && eventsRepo != nil {
		cache, err := cachex.New(cfg)
		if err == nil {
			err = cache.Ping(ctx)
		}
		if err != nil {
			logger.Warn(ctx, "cache_init_failed", "dedupe cache disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer func() { _ = cache.Close() }()
			store = repos.CachedEvents{Store: eventsRepo, Cache: cache, TTL: cfg.DedupeCacheTTL, Logger: logger}
			cached = true
		}
	}

	validator := authx.NewKeyValidator(cfg.APIKeys, cfg.APIKeyFallback)
	if err := validator.Configured(); err != nil {
		logger.Error(ctx, "api_keys_missing", "no API keys configured; guarded endpoints reject every request",
			slog.String("error_code", "FAILED_PRECONDITION"),
		)
	}

	collector := metricsx.NewCollector()
	healthSvc := health.New(eventsRepo, health.ServiceInfo{
		Name:        cfg.ServiceName,
		Version:     cfg.Version,
		Description: description,
		Environment: cfg.Env,
	}, problems)

	var limiter *middleware.TokenBucketLimiter
	if cfg.RateLimitEnabled {
		limiter = middleware.NewTokenBucketLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute)
	}
	var cors *middleware.CORSMiddleware
	if cfg.CORSEnabled {
		cors = &middleware.CORSMiddleware{AllowedOrigins: cfg.CORSAllowedOrigins, MaxAge: 10 * time.Minute}
	}

	handler := handlers.NewRouter(handlers.RouterConfig{
		Handlers: handlers.Handlers{
			Ingest:       ingest.NewProcessor(store, cfg.StatsLocation, logger),
			Stats:        stats.NewAggregator(store, cfg.StatsLocation),
			Health:       healthSvc,
			Metrics:      collector,
			Prometheus:   metricsx.Handler(),
			Logger:       logger,
			MaxBodyBytes: cfg.MaxBodyBytes,
		},
		Validator:      validator,
		Recorder:       collector,
		Logger:         logger,
		APIKeyHeader:   cfg.APIKeyHeader,
		RequestTimeout: cfg.RequestTimeout,
		StoreAvailable: eventsRepo != nil,
		RateLimiter:    limiter,
		CORS:           cors,
	})
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "http")
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.String("stats_timezone", cfg.StatsLocation.String()),
			slog.Bool("outbox", cfg.OutboxEnabled),
			slog.Bool("dedupe_cache", cached),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(ctx, "service_stop", "service stopped")
}
