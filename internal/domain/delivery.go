package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryAttempt is the invocation log of a single webhook call.
type DeliveryAttempt struct {
	ID      uuid.UUID
	EventID uuid.UUID
	Attempt int

	StatusCode   int
	Error        string
	ResponseBody string

	StartedAt  time.Time
	FinishedAt time.Time
}

type OutcomeKind string

const (
	OutcomeDelivered OutcomeKind = "delivered"
	OutcomeRetryable OutcomeKind = "retryable_error"
	OutcomePermanent OutcomeKind = "permanent_error"
	OutcomeDead      OutcomeKind = "dead"
)

// Outcome is what the dispatcher records for a claimed event.
type Outcome struct {
	Kind OutcomeKind

	// ClaimToken must match the token the event was claimed with.
	ClaimToken uuid.UUID

	At            time.Time
	NextAttemptAt time.Time // OutcomeRetryable only
	Err           error

	// Attempt is nil when no webhook call was made (e.g. missed the tolerance window).
	Attempt *DeliveryAttempt
}

// Status returns the event status the outcome transitions to.
func (o Outcome) Status() EventStatus {
	switch o.Kind {
	case OutcomeDelivered:
		return EventStatusDelivered
	case OutcomeRetryable:
		return EventStatusPending
	case OutcomePermanent:
		return EventStatusError
	default:
		return EventStatusDead
	}
}

// ErrorText is the message persisted as the event's last_error.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// ReasonTriggerDeleted is recorded for events whose trigger no longer exists.
const ReasonTriggerDeleted = "trigger deleted"

// Orphaned turns a retryable outcome into a dead letter. Events of a deleted
// trigger are never claimed again, so a retry would leave them pending forever.
func (o Outcome) Orphaned() Outcome {
	if o.Kind != OutcomeRetryable {
		return o
	}
	attempts := 0
	if o.Attempt != nil {
		attempts = o.Attempt.Attempt
	}
	o.Kind = OutcomeDead
	o.NextAttemptAt = time.Time{}
	o.Err = &DeadLetterError{Attempts: attempts, Reason: ReasonTriggerDeleted, Last: o.Err}
	return o
}

// RetryableDeliveryError is a transient webhook failure.
type RetryableDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *RetryableDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable delivery error: %v", e.Err)
	}
	return fmt.Sprintf("retryable delivery error: status %d", e.StatusCode)
}

func (e *RetryableDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError is a rejection that is not retried.
type PermanentDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *PermanentDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery error: %v", e.Err)
	}
	return fmt.Sprintf("permanent delivery error: status %d", e.StatusCode)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// DeadLetterError marks an event that will never be delivered.
type DeadLetterError struct {
	Attempts int
	Reason   string
	Last     error
}

func (e *DeadLetterError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("dead letter after %d attempts (%s): %v", e.Attempts, e.Reason, e.Last)
	}
	return fmt.Sprintf("dead letter after %d attempts (%s)", e.Attempts, e.Reason)
}

func (e *DeadLetterError) Unwrap() error { return e.Last }
