package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"event-tracking-service/api/internal/models"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
	"event-tracking-service/shared/workflow"
)

type OutboxStore interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	GetByID(ctx context.Context, outboxID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, outboxID uuid.UUID) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type OutboxJobs struct {
	Store       OutboxStore
	Publisher   Publisher
	Enqueuer    Enqueuer
	Queue       string
	Owner       string
	BatchSize   int
	MaxAttempts int
	// StaleAfter releases rows left in sending by a crashed worker. Zero disables it.
	StaleAfter time.Duration
	Logger     logx.Logger

	now func() time.Time
}

func (j *OutboxJobs) clock() time.Time {
	if j.now != nil {
		return j.now().UTC()
	}
	return time.Now().UTC()
}

func (j *OutboxJobs) maxAttempts() int {
	if j.MaxAttempts <= 0 {
		return 10
	}
	return j.MaxAttempts
}

// HandleScan claims due outbox rows and enqueues one dispatch task per row.
func (j *OutboxJobs) HandleScan(ctx context.Context, _ *asynq.Task) error {
	if j.StaleAfter > 0 {
		released, err := j.Store.ReleaseStale(ctx, j.StaleAfter)
		if err != nil {
			j.Logger.Warn(ctx, "outbox_release_failed", "failed to release stale outbox rows",
				slog.String("error", err.Error()),
			)
		} else if released > 0 {
			j.Logger.Info(ctx, "outbox_released", "released stale outbox rows", slog.Int64("count", released))
		}
	}

	claimed, err := j.Store.ClaimPending(ctx, j.Owner, j.BatchSize)
	if err != nil {
		return fmt.Errorf("claim outbox rows: %w", err)
	}
	for _, event := range claimed {
		task, err := NewDispatchTask(event.OutboxID, j.Queue)
		if err == nil {
			_, err = j.Enqueuer.EnqueueContext(ctx, task)
		}
		if err != nil {
			j.Logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("outbox_id", event.OutboxID.String()),
				slog.String("error", err.Error()),
			)
			j.fail(ctx, event, err)
		}
	}
	return nil
}

// HandleDispatch publishes one outbox row. Rows already delivered or dead are skipped,
// so redelivered tasks are harmless.
func (j *OutboxJobs) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, TaskOutboxDispatch)
	span.SetAttributes(attribute.String("queue", j.Queue))
	defer span.End()

	outboxID, err := parseDispatchPayload(t.Payload())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	event, err := j.Store.GetByID(ctx, outboxID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if workflow.IsTerminal(event.Status) {
		metricsx.IncOutboxDispatch("skipped")
		return nil
	}

	headers := map[string]string{
		"outbox_id":      event.OutboxID.String(),
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"published_at":   j.clock().Format(time.RFC3339Nano),
	}
	if err := j.Publisher.Publish(ctx, event.Topic, []byte(event.AggregateID), event.Payload, headers); err != nil {
		span.RecordError(err)
		if dead := j.fail(ctx, event, err); dead {
			return nil
		}
		return err
	}
	if err := j.Store.MarkDelivered(ctx, event.OutboxID); err != nil {
		return err
	}
	metricsx.IncOutboxDispatch("delivered")
	return nil
}

// fail records a failed attempt and reports whether the row was parked as dead.
func (j *OutboxJobs) fail(ctx context.Context, event models.OutboxEvent, cause error) bool {
	attempts := event.Attempts + 1
	nextRetry := j.clock().Add(RetryDelay(attempts))
	dead := attempts >= j.maxAttempts()
	if err := j.Store.MarkFailed(ctx, event.OutboxID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		j.Logger.Error(ctx, "outbox_mark_failed", "failed to record outbox failure",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("outbox_id", event.OutboxID.String()),
			slog.String("error", err.Error()),
		)
	}
	if dead {
		metricsx.IncOutboxDispatch("dead")
		j.Logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("outbox_id", event.OutboxID.String()),
			slog.Int("attempts", attempts),
		)
		return true
	}
	metricsx.IncOutboxDispatch("failed")
	return false
}
