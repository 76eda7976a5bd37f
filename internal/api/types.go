package api

import (
	"encoding/json"
	"time"

	"github.com/djlord-it/triggerd/internal/admin"
	"github.com/djlord-it/triggerd/internal/domain"
)

type TriggerResponse struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Schedule  admin.ScheduleSpec `json:"schedule"`
	Webhook   string             `json:"webhook"`
	Headers   []domain.Header    `json:"headers"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	RetryConf admin.RetryConf    `json:"retry_conf"`
	Comment   string             `json:"comment,omitempty"`
	CreatedAt string             `json:"created_at"`
}

type EventResponse struct {
	ID            string  `json:"id"`
	TriggerName   string  `json:"trigger_name"`
	ScheduledTime string  `json:"scheduled_time"`
	Status        string  `json:"status"`
	AttemptCount  int     `json:"attempt_count"`
	NextAttemptAt string  `json:"next_attempt_at"`
	LastError     string  `json:"last_error,omitempty"`
	CreatedAt     string  `json:"created_at"`
	ClaimedAt     *string `json:"claimed_at,omitempty"`
	DeliveredAt   *string `json:"delivered_at,omitempty"`
}

type AttemptResponse struct {
	ID           string `json:"id"`
	EventID      string `json:"event_id"`
	Attempt      int    `json:"attempt"`
	StatusCode   int    `json:"status_code,omitempty"`
	Error        string `json:"error,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
	DurationMS   int64  `json:"duration_ms"`
}

type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
}

type ListEventsResponse struct {
	Events []EventResponse `json:"events"`
}

type ListAttemptsResponse struct {
	Attempts []AttemptResponse `json:"attempts"`
}

type DeleteTriggerResponse struct {
	Name          string `json:"name"`
	EventsRemoved int    `json:"events_removed"`
}

type StatsResponse struct {
	Name     string           `json:"name"`
	Outcomes map[string]int64 `json:"outcomes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func triggerResponse(t domain.Trigger) TriggerResponse {
	req := admin.FromTrigger(t)
	headers := t.Headers
	if headers == nil {
		headers = []domain.Header{}
	}
	return TriggerResponse{
		ID:        t.ID.String(),
		Name:      t.Name,
		Schedule:  req.Schedule,
		Webhook:   t.Webhook,
		Headers:   headers,
		Payload:   t.Payload,
		RetryConf: *req.RetryConf,
		Comment:   t.Comment,
		CreatedAt: formatTime(t.CreatedAt),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:            e.ID.String(),
		TriggerName:   e.TriggerName,
		ScheduledTime: formatTime(e.ScheduledTime),
		Status:        string(e.Status),
		AttemptCount:  e.AttemptCount,
		NextAttemptAt: formatTime(e.NextAttemptAt),
		LastError:     e.LastError,
		CreatedAt:     formatTime(e.CreatedAt),
		ClaimedAt:     formatTimePtr(e.ClaimedAt),
		DeliveredAt:   formatTimePtr(e.DeliveredAt),
	}
}

func attemptResponse(a domain.DeliveryAttempt) AttemptResponse {
	return AttemptResponse{
		ID:           a.ID.String(),
		EventID:      a.EventID.String(),
		Attempt:      a.Attempt,
		StatusCode:   a.StatusCode,
		Error:        a.Error,
		ResponseBody: a.ResponseBody,
		StartedAt:    formatTime(a.StartedAt),
		FinishedAt:   formatTime(a.FinishedAt),
		DurationMS:   a.FinishedAt.Sub(a.StartedAt).Milliseconds(),
	}
}
