package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"event-tracking-service/api/internal/models"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
)

var ErrEventsRequired = errors.New("events array is required")

var errMissingFields = errors.New("missing required fields")

const unknownID = "unknown"

type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, event models.Event) error
}

type Result struct {
	Processed  int      `json:"processed"`
	Duplicates int      `json:"duplicates"`
	Errors     []string `json:"errors"`
}

type Processor struct {
	store  Store
	loc    *time.Location
	logger logx.Logger
}

// NewProcessor builds a Processor. loc is used for timestamps that carry no zone.
func NewProcessor(store Store, loc *time.Location, logger logx.Logger) *Processor {
	if loc == nil {
		loc = time.Local
	}
	return &Processor{store: store, loc: loc, logger: logger}
}

// DecodeBatch splits the raw value of the "events" field into its items.
func DecodeBatch(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrEventsRequired
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, ErrEventsRequired
	}
	return items, nil
}

// Process handles items strictly in order. A failing item is reported in Result.Errors
// and never stops the batch; only cancellation of ctx does.
func (p *Processor) Process(ctx context.Context, items []json.RawMessage) (Result, error) {
	res := Result{Errors: []string{}}
	invalid, failed := 0, 0

	defer func() {
		metricsx.AddEventsIngested("processed", res.Processed)
		metricsx.AddEventsIngested("duplicate", res.Duplicates)
		metricsx.AddEventsIngested("invalid", invalid)
		metricsx.AddEventsIngested("failed", failed)
	}()

	for i, raw := range items {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("batch aborted at item %d: %w", i, err)
		}

		event, label, err := p.parse(raw)
		if errors.Is(err, errMissingFields) {
			invalid++
			res.Errors = append(res.Errors, "Missing required fields for event "+label)
			continue
		}
		if err != nil {
			failed++
			p.fail(ctx, &res, label, "parse", err)
			continue
		}

		exists, err := p.store.Exists(ctx, event.ID)
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("batch aborted at item %d: %w", i, ctx.Err())
			}
			failed++
			p.fail(ctx, &res, label, "exists", err)
			continue
		}
		if exists {
			res.Duplicates++
			continue
		}

		if err := p.store.Create(ctx, event); err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("batch aborted at item %d: %w", i, ctx.Err())
			}
			failed++
			p.fail(ctx, &res, label, "create", err)
			continue
		}
		res.Processed++
	}
	return res, nil
}

func (p *Processor) fail(ctx context.Context, res *Result, label string, stage string, err error) {
	res.Errors = append(res.Errors, "Failed to process event "+label)
	p.logger.Warn(ctx, "event_failed", "failed to process event",
		slog.String("event_id", label),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// parse returns the event and the label used to identify it in error messages. Any
// required field that is absent or falsy yields errMissingFields.
func (p *Processor) parse(raw json.RawMessage) (models.Event, string, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return models.Event{}, unknownID, errMissingFields
	}

	label := idLabel(fields["id"])
	for _, name := range []string{"id", "type", "email", "site", "timestamp"} {
		if !truthy(fields[name]) {
			return models.Event{}, label, errMissingFields
		}
	}

	id, ok1 := fields["id"].(string)
	typ, ok2 := fields["type"].(string)
	email, ok3 := fields["email"].(string)
	site, ok4 := fields["site"].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return models.Event{}, label, errors.New("required fields must be strings")
	}
	ts, err := parseTimestamp(fields["timestamp"], p.loc)
	if err != nil {
		return models.Event{}, label, err
	}

	// Metadata is opaque and stored exactly as sent.
	var opaque struct {
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &opaque); err != nil {
		return models.Event{}, label, fmt.Errorf("decode metadata: %w", err)
	}
	metadata := opaque.Metadata
	if bytes.Equal(bytes.TrimSpace(metadata), []byte("null")) {
		metadata = nil
	}

	return models.Event{
		ID:        id,
		Type:      typ,
		Email:     email,
		Site:      site,
		Timestamp: ts,
		Metadata:  metadata,
	}, label, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case float64:
		return x != 0
	case bool:
		return x
	default:
		return true
	}
}

func idLabel(v any) string {
	if !truthy(v) {
		return unknownID
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
