package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const TopicTrackingEvents = "tracking.events"

const (
	AggregateTrackingEvent = "tracking_event"
	TypeEventIngested      = "event.ingested"
)

// Envelope wraps every message published to Kafka.
type Envelope struct {
	MessageID     uuid.UUID       `json:"message_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// Ingested is the payload of an event.ingested message.
type Ingested struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Email     string          `json:"email"`
	Site      string          `json:"site"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func NewIngested(e Ingested, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		MessageID:     uuid.New(),
		OccurredAt:    now.UTC(),
		AggregateType: AggregateTrackingEvent,
		AggregateID:   e.ID,
		EventType:     TypeEventIngested,
		Payload:       payload,
	}, nil
}

func DecodeIngested(raw []byte) (Envelope, Ingested, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, Ingested{}, err
	}
	var e Ingested
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		return env, Ingested{}, err
	}
	return env, e, nil
}
