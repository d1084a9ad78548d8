package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"event-tracking-service/api/internal/models"
	"event-tracking-service/shared/workflow"
)

const (
	OutboxStatusPending   = workflow.OutboxPending
	OutboxStatusSending   = workflow.OutboxSending
	OutboxStatusDelivered = workflow.OutboxDelivered
	OutboxStatusDead      = workflow.OutboxDead
)

const outboxColumns = `outbox_id, aggregate_type, aggregate_id, topic, payload, status, attempts,
	next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at`

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

// Insert writes through db so callers can enlist it in their own transaction.
func (r *OutboxRepo) Insert(ctx context.Context, db DBTX, event models.OutboxEvent) (models.OutboxEvent, error) {
	if event.OutboxID == uuid.Nil {
		event.OutboxID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}

	row := db.QueryRow(ctx, `
		INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+outboxColumns,
		event.OutboxID, event.AggregateType, event.AggregateID, event.Topic, event.Payload, event.Status, event.Attempts,
		event.NextRetryAt, event.LockedAt, event.LockedBy, event.LastError, event.CreatedAt, event.UpdatedAt, event.PublishedAt,
	)
	return scanOutbox(row)
}

// ClaimPending moves up to limit due rows to sending and returns them. Concurrent
// claimers never receive the same row.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, span := startSpan(ctx, "claim", "outbox_events")
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT outbox_id
			FROM outbox_events
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.outbox_id = c.outbox_id
		RETURNING o.outbox_id, o.aggregate_type, o.aggregate_id, o.topic, o.payload, o.status, o.attempts,
			o.next_retry_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at
	`, OutboxStatusPending, limit, OutboxStatusSending, owner)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	defer rows.Close()

	claimed := make([]models.OutboxEvent, 0, limit)
	for rows.Next() {
		event, err := scanOutbox(rows)
		if err != nil {
			endSpan(span, err)
			return nil, err
		}
		claimed = append(claimed, event)
	}
	err = rows.Err()
	endSpan(span, err)
	return claimed, err
}

func (r *OutboxRepo) GetByID(ctx context.Context, outboxID uuid.UUID) (models.OutboxEvent, error) {
	return scanOutbox(r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE outbox_id = $1`, outboxID))
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, outboxID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE outbox_id = $1
	`, outboxID, OutboxStatusDelivered)
	return err
}

// MarkFailed returns the row to pending with a retry time, or parks it as dead.
func (r *OutboxRepo) MarkFailed(ctx context.Context, outboxID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status = OutboxStatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5,
			locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE outbox_id = $1
	`, outboxID, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReleaseStale puts rows stuck in sending for longer than olderThan back to pending.
// A worker that crashed mid-dispatch leaves such rows behind.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - make_interval(secs => $3)
	`, OutboxStatusPending, OutboxStatusSending, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanOutbox(row pgx.Row) (models.OutboxEvent, error) {
	var event models.OutboxEvent
	err := row.Scan(
		&event.OutboxID, &event.AggregateType, &event.AggregateID, &event.Topic, &event.Payload, &event.Status, &event.Attempts,
		&event.NextRetryAt, &event.LockedAt, &event.LockedBy, &event.LastError, &event.CreatedAt, &event.UpdatedAt, &event.PublishedAt,
	)
	return event, err
}
