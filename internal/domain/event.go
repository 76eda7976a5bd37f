package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusInFlight  EventStatus = "in_flight"
	EventStatusDelivered EventStatus = "delivered"
	EventStatusError     EventStatus = "error"
	EventStatusDead      EventStatus = "dead"
)

// Terminal reports whether no further delivery will be attempted.
func (s EventStatus) Terminal() bool {
	return s == EventStatusDelivered || s == EventStatusError || s == EventStatusDead
}

func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusInFlight, EventStatusDelivered, EventStatusError, EventStatusDead:
		return true
	}
	return false
}

// Event is one materialized invocation of a trigger.
type Event struct {
	ID            uuid.UUID
	TriggerName   string
	ScheduledTime time.Time // UTC
	Status        EventStatus
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string

	// ClaimToken identifies the claim holding an in_flight event.
	ClaimToken uuid.UUID

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	DeliveredAt *time.Time
}

// ClaimedEvent is an event transitioned to in_flight together with a snapshot
// of its trigger taken at claim time.
type ClaimedEvent struct {
	Event   Event
	Trigger Trigger
}

// EventFilter selects event history rows. Zero fields match everything.
type EventFilter struct {
	TriggerName string
	Status      EventStatus
	Limit       int
	Offset      int
}
