package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TriggerKind string

const (
	TriggerKindCron  TriggerKind = "cron"
	TriggerKindAdHoc TriggerKind = "adhoc"
)

// ParseTriggerKind maps a schedule type to its canonical kind.
// Matching is case-insensitive; "oneoff" and "one_off" are accepted as adhoc.
func ParseTriggerKind(s string) (TriggerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cron":
		return TriggerKindCron, nil
	case "adhoc", "ad_hoc", "oneoff", "one_off":
		return TriggerKindAdHoc, nil
	default:
		return "", fmt.Errorf("unknown schedule type %q (want cron or adhoc)", s)
	}
}

// Header is a single webhook header. Exactly one of Value and ValueFromEnv is set.
type Header struct {
	Name         string `json:"name"`
	Value        string `json:"value,omitempty"`
	ValueFromEnv string `json:"value_from_env,omitempty"`
}

// RetryConfig controls delivery of the trigger's events.
type RetryConfig struct {
	MaxAttempts   int           // total attempts including the first
	RetryInterval time.Duration // base of the exponential backoff
	Timeout       time.Duration // per webhook call
	Tolerance     time.Duration // how late an event may still be delivered
}

// Backoff returns the delay before the attempt following attempt n (1-based).
func (c RetryConfig) Backoff(n int, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.RetryInterval
	for i := 1; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

type Trigger struct {
	ID   uuid.UUID
	Name string
	Kind TriggerKind

	CronExpression string     // cron triggers
	RunAt          *time.Time // adhoc triggers, UTC

	Webhook string // may embed {{ENV_VAR}} references
	Headers []Header
	Payload json.RawMessage

	Retry   RetryConfig
	Comment string

	CreatedAt time.Time
}

// CronTriggerState pairs a cron trigger with the latest scheduled time materialized for it.
type CronTriggerState struct {
	Trigger           Trigger
	LastScheduledTime *time.Time
}
