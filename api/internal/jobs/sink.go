package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"event-tracking-service/shared/events"
	"event-tracking-service/shared/influxx"
	"event-tracking-service/shared/metricsx"
)

var (
	// ErrUnknownEventType marks messages the sink does not handle. Callers commit and move on.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMalformedEvent marks messages that can never be written, whatever the retry.
	ErrMalformedEvent = errors.New("malformed event")
)

// EventSink turns event.ingested messages into tracking_event points.
type EventSink struct {
	Points PointWriter
}

func (s EventSink) Handle(ctx context.Context, raw []byte) error {
	env, ingested, err := events.DecodeIngested(raw)
	if err != nil {
		return fmt.Errorf("%w: decode envelope: %v", ErrMalformedEvent, err)
	}
	if env.EventType != events.TypeEventIngested {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
	if ingested.ID == "" || ingested.Site == "" {
		return fmt.Errorf("%w: event payload missing id or site", ErrMalformedEvent)
	}
	if err := s.Points.WritePoints(ctx, TrackingPoint(ingested)); err != nil {
		metricsx.IncInfluxWriteFailure()
		return err
	}
	return nil
}

func TrackingPoint(e events.Ingested) *write.Point {
	return influxx.NewPoint(influxx.MeasurementTrackingEvent, map[string]string{
		"site": e.Site,
		"type": e.Type,
	}, map[string]any{
		"count":    1,
		"event_id": e.ID,
		"email":    e.Email,
	}, e.Timestamp)
}
