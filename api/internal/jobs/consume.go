package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
)

// MessageSource is satisfied by *kafka.Reader in consumer-group mode.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

// SinkConsumer feeds one partition stream into an EventSink. Committing a message moves
// the group offset past everything before it, so a message that failed to write is
// retried in place until it succeeds or ctx ends. Malformed and foreign messages are
// committed and counted as dropped or skipped.
type SinkConsumer struct {
	Source  MessageSource
	Sink    EventSink
	Topic   string
	Group   string
	Logger  logx.Logger
	Backoff func(attempt int) time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// Run returns nil once ctx is cancelled.
func (c *SinkConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.Source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			if c.wait(ctx, 500*time.Millisecond) != nil {
				return nil
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return nil
		}
		if err := c.Source.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := c.Source.Stats()
		metricsx.SetKafkaLag(stats.Topic, c.Group, stats.Lag)
	}
}

// handle reports false only when ctx ended before the message was settled.
func (c *SinkConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", c.Topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
			attribute.Int("attempt", attempt),
		)
		err := c.Sink.Handle(spanCtx, msg.Value)
		if err != nil {
			span.RecordError(err)
		}
		span.End()

		switch {
		case err == nil:
			metricsx.IncKafkaConsumed(c.Topic, "written")
			return true
		case errors.Is(err, ErrUnknownEventType):
			metricsx.IncKafkaConsumed(c.Topic, "skipped")
			c.Logger.Debug(ctx, "event_skipped", "skipping message", slog.String("error", err.Error()))
			return true
		case errors.Is(err, ErrMalformedEvent):
			metricsx.IncKafkaConsumed(c.Topic, "dropped")
			c.Logger.Warn(ctx, "event_dropped", "dropping malformed message",
				slog.String("key", string(msg.Key)),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return true
		}

		metricsx.IncKafkaConsumed(c.Topic, "retried")
		delay := c.backoff(attempt)
		c.Logger.Error(ctx, "event_handle_failed", "failed to handle event, retrying",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("key", string(msg.Key)),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		if c.wait(ctx, delay) != nil {
			return false
		}
	}
}

func (c *SinkConsumer) backoff(attempt int) time.Duration {
	if c.Backoff != nil {
		return c.Backoff(attempt)
	}
	return ConsumeBackoff(attempt)
}

func (c *SinkConsumer) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ConsumeBackoff doubles from 500ms and caps at 30s.
func ConsumeBackoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 500 * time.Millisecond
	}
	d := 500 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}
