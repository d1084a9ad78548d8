package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"event-tracking-service/api/internal/jobs"
	"event-tracking-service/shared/config"
	"event-tracking-service/shared/events"
	"event-tracking-service/shared/influxx"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
	"event-tracking-service/shared/mqx"
	"event-tracking-service/shared/observability"
)

func main() {
	cfg, problems := config.Load("tracking-consumer", 8082)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg)); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	influx, err := influxx.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "influx_init_failed", "influx init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer influx.Close()

	reader, err := mqx.NewConsumer(cfg, events.TopicTrackingEvents, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	consumer := &jobs.SinkConsumer{
		Source: reader,
		Sink:   jobs.EventSink{Points: influx},
		Topic:  events.TopicTrackingEvents,
		Group:  cfg.KafkaGroupID,
		Logger: logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "tracking events consumer started",
		slog.String("topic", events.TopicTrackingEvents),
		slog.String("group", cfg.KafkaGroupID),
	)
	_ = consumer.Run(ctx)

	logger.Info(context.Background(), "consumer_stop", "tracking events consumer stopped")
}
