package admin

import (
	"encoding/json"
	"time"

	"github.com/djlord-it/triggerd/internal/domain"
)

// CreateTriggerRequest is the wire shape of a trigger definition.
type CreateTriggerRequest struct {
	Name      string          `json:"name"`
	Schedule  ScheduleSpec    `json:"schedule"`
	Webhook   string          `json:"webhook"`
	Headers   []domain.Header `json:"headers,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RetryConf *RetryConf      `json:"retry_conf,omitempty"`
	Comment   string          `json:"comment,omitempty"`
}

// ScheduleSpec is {"type": "cron", "value": "0 * * * *"} or
// {"type": "adhoc", "value": "2024-01-01T00:00:00Z"}.
type ScheduleSpec struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// RetryConf overrides the engine's default retry settings. Zero fields keep the default.
type RetryConf struct {
	MaxAttempts          int `json:"max_attempts,omitempty"`
	RetryIntervalSeconds int `json:"retry_interval_seconds,omitempty"`
	TimeoutSeconds       int `json:"timeout_seconds,omitempty"`
	ToleranceSeconds     int `json:"tolerance_seconds,omitempty"`
}

// FromTrigger is the inverse of the service's request validation; it lets
// stored definitions be exported and re-applied.
func FromTrigger(t domain.Trigger) CreateTriggerRequest {
	req := CreateTriggerRequest{
		Name:    t.Name,
		Webhook: t.Webhook,
		Headers: t.Headers,
		Payload: t.Payload,
		Comment: t.Comment,
		RetryConf: &RetryConf{
			MaxAttempts:          t.Retry.MaxAttempts,
			RetryIntervalSeconds: int(t.Retry.RetryInterval / time.Second),
			TimeoutSeconds:       int(t.Retry.Timeout / time.Second),
			ToleranceSeconds:     int(t.Retry.Tolerance / time.Second),
		},
	}
	switch t.Kind {
	case domain.TriggerKindCron:
		req.Schedule = ScheduleSpec{Type: string(domain.TriggerKindCron), Value: t.CronExpression}
	case domain.TriggerKindAdHoc:
		if t.RunAt != nil {
			req.Schedule = ScheduleSpec{Type: string(domain.TriggerKindAdHoc), Value: t.RunAt.UTC().Format(time.RFC3339)}
		}
	}
	return req
}
