package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Materializer metrics
	TickStarted()
	TickCompleted(duration time.Duration, eventsMaterialized int, err error)
	TriggerMaterializeFailed()

	// Dispatcher metrics
	ClaimBatch(size int)
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	DeliveryLatencyObserve(latency time.Duration)
	DeadLetter()
	CircuitRejected()
	EventsInFlightIncr()
	EventsInFlightDecr()

	// Reconciler metrics
	StaleClaimsRequeued(count int)
	EventStatusCounts(counts map[string]int)
}

// Outcome constants for DeliveryOutcome metric.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetryable = "retryable"
	OutcomePermanent = "permanent"
	OutcomeDead      = "dead"
)

// StatusClass constants for DeliveryAttemptCompleted metric.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and transport error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StatusClassTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return StatusClassTimeout
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return StatusClassConnectionError
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return StatusClassConnectionError
		}

		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
