package repos

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"event-tracking-service/api/internal/models"
	"event-tracking-service/shared/cachex"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
)

const seenKeyPrefix = "event:seen:"

type EventStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, event models.Event) error
	ListBetween(ctx context.Context, start time.Time, end time.Time) ([]models.Event, error)
}

// CachedEvents keeps a positive "seen" flag per event id in Redis in front of an
// EventStore. Only presence is cached, so a stale or missing flag costs a database
// round trip and never a wrong answer. Redis failures fall through to the store.
type CachedEvents struct {
	Store  EventStore
	Cache  *cachex.Client
	TTL    time.Duration
	Logger logx.Logger
}

func (c CachedEvents) Exists(ctx context.Context, id string) (bool, error) {
	seen, err := c.Cache.Has(ctx, seenKeyPrefix+id)
	switch {
	case err != nil:
		metricsx.IncDedupeCache("error")
		c.Logger.Warn(ctx, "dedupe_cache_failed", "dedupe cache lookup failed",
			slog.String("event_id", id),
			slog.String("error", err.Error()),
		)
	case seen:
		metricsx.IncDedupeCache("hit")
		return true, nil
	default:
		metricsx.IncDedupeCache("miss")
	}

	exists, err := c.Store.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if exists {
		c.mark(ctx, id)
	}
	return exists, nil
}

func (c CachedEvents) Create(ctx context.Context, event models.Event) error {
	err := c.Store.Create(ctx, event)
	if err == nil || errors.Is(err, ErrDuplicateEvent) {
		c.mark(ctx, event.ID)
	}
	return err
}

func (c CachedEvents) ListBetween(ctx context.Context, start time.Time, end time.Time) ([]models.Event, error) {
	return c.Store.ListBetween(ctx, start, end)
}

func (c CachedEvents) mark(ctx context.Context, id string) {
	if err := c.Cache.Mark(ctx, seenKeyPrefix+id, c.TTL); err != nil {
		c.Logger.Warn(ctx, "dedupe_cache_failed", "dedupe cache write failed",
			slog.String("event_id", id),
			slog.String("error", err.Error()),
		)
	}
}
