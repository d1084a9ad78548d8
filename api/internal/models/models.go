package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Recognized event types. Other non-empty types are stored but never aggregated.
const (
	EventTypeSent      = "sent"
	EventTypeOpen      = "open"
	EventTypeClick     = "click"
	EventTypeComplaint = "complaint"
)

func IsRecognizedType(t string) bool {
	switch t {
	case EventTypeSent, EventTypeOpen, EventTypeClick, EventTypeComplaint:
		return true
	default:
		return false
	}
}

type Event struct {
	ID        string          // caller-supplied, dedup key
	Type      string          // event kind
	Email     string          // recipient
	Site      string          // grouping key
	Timestamp time.Time       // caller-supplied instant
	Metadata  json.RawMessage // opaque, may be nil
	CreatedAt time.Time       // set by the store
}

type DailySiteStats struct {
	Date        string         `json:"date"`
	Site        string         `json:"site"`
	TotalEvents int            `json:"total_events"`
	UniqueUsers int            `json:"unique_users"`
	EventTypes  map[string]int `json:"event_types"`
}

type OutboxEvent struct {
	OutboxID      uuid.UUID
	AggregateType string
	AggregateID   string
	Topic         string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}
