package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"event-tracking-service/api/internal/models"
	"event-tracking-service/shared/dbx"
	"event-tracking-service/shared/events"
)

// ErrDuplicateEvent is returned by Create when the id already exists. The pre-insert
// existence check can miss a concurrent writer; the primary key catches it.
var ErrDuplicateEvent = errors.New("event already exists")

type EventsRepo struct {
	pool   *pgxpool.Pool
	outbox *OutboxRepo
	now    func() time.Time
}

type EventsOption func(*EventsRepo)

// WithOutbox makes Create enqueue an event.ingested message in the same transaction.
func WithOutbox(outbox *OutboxRepo) EventsOption {
	return func(r *EventsRepo) { r.outbox = outbox }
}

func NewEventsRepo(pool *pgxpool.Pool, opts ...EventsOption) *EventsRepo {
	r := &EventsRepo{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *EventsRepo) Exists(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "select", "events")
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, id).Scan(&exists)
	endSpan(span, err)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", id, err)
	}
	return exists, nil
}

func (r *EventsRepo) Create(ctx context.Context, event models.Event) error {
	ctx, span := startSpan(ctx, "insert", "events")
	var err error
	defer func() { endSpan(span, err) }()

	if r.outbox == nil {
		err = insertEvent(ctx, r.pool, event)
		return err
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
		env, err := events.NewIngested(events.Ingested{
			ID:        event.ID,
			Type:      event.Type,
			Email:     event.Email,
			Site:      event.Site,
			Timestamp: event.Timestamp,
			Metadata:  event.Metadata,
		}, r.now())
		if err != nil {
			return fmt.Errorf("build outbox message: %w", err)
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode outbox message: %w", err)
		}
		_, err = r.outbox.Insert(ctx, tx, models.OutboxEvent{
			OutboxID:      env.MessageID,
			AggregateType: env.AggregateType,
			AggregateID:   env.AggregateID,
			Topic:         events.TopicTrackingEvents,
			Payload:       payload,
		})
		if err != nil {
			return fmt.Errorf("insert outbox message: %w", err)
		}
		return nil
	})
	return err
}

func insertEvent(ctx context.Context, db DBTX, event models.Event) error {
	var metadata any
	if len(event.Metadata) > 0 && string(event.Metadata) != "null" {
		metadata = event.Metadata
	}
	_, err := db.Exec(ctx, `
		INSERT INTO events (id, type, email, site, "timestamp", metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.Type, event.Email, event.Site, event.Timestamp, metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert event %s: %w", event.ID, ErrDuplicateEvent)
		}
		return fmt.Errorf("insert event %s: %w", event.ID, err)
	}
	return nil
}

// ListBetween returns events with start <= timestamp <= end.
func (r *EventsRepo) ListBetween(ctx context.Context, start time.Time, end time.Time) ([]models.Event, error) {
	ctx, span := startSpan(ctx, "select", "events")
	var err error
	defer func() { endSpan(span, err) }()

	rows, err := r.pool.Query(ctx, `
		SELECT id, type, email, site, "timestamp", metadata, created_at
		FROM events
		WHERE "timestamp" >= $1 AND "timestamp" <= $2
		ORDER BY "timestamp" ASC
	`, start, end)
	if err != nil {
		err = fmt.Errorf("list events: %w", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Event, 0, 64)
	for rows.Next() {
		var e models.Event
		var metadata []byte
		if err = rows.Scan(&e.ID, &e.Type, &e.Email, &e.Site, &e.Timestamp, &metadata, &e.CreatedAt); err != nil {
			err = fmt.Errorf("scan event: %w", err)
			return nil, err
		}
		if len(metadata) > 0 {
			e.Metadata = json.RawMessage(metadata)
		}
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("list events: %w", err)
		return nil, err
	}
	return out, nil
}

// DeleteAll empties the events table. Only the seed command uses it.
func (r *EventsRepo) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM events`)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *EventsRepo) Ping(ctx context.Context) (time.Duration, error) {
	if r == nil {
		return 0, dbx.ErrNilPool
	}
	return dbx.Ping(ctx, r.pool)
}
