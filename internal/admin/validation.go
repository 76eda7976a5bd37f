package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/djlord-it/triggerd/internal/dispatcher"
	"github.com/djlord-it/triggerd/internal/domain"
)

// Limits on user-supplied definitions.
const (
	MaxNameLength     = 128
	MaxCommentLength  = 1024
	MaxHeaders        = 50
	MaxAttemptsLimit  = 100
	MaxTimeoutSeconds = 600
)

var headerPattern = regexp.MustCompile("^[!#$%&'*+.^_`|~0-9A-Za-z-]+$")

func invalid(field, format string, args ...any) *domain.ValidationError {
	return &domain.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// buildTrigger validates req and returns the definition it describes. The
// returned trigger has no ID or creation time.
func (s *Service) buildTrigger(req CreateTriggerRequest) (domain.Trigger, error) {
	var t domain.Trigger

	name := strings.TrimSpace(req.Name)
	switch {
	case name == "":
		return t, invalid("name", "is required")
	case !utf8.ValidString(name):
		return t, invalid("name", "must be valid UTF-8")
	case utf8.RuneCountInString(name) > MaxNameLength:
		return t, invalid("name", "must be at most %d characters", MaxNameLength)
	case strings.ContainsFunc(name, unicode.IsControl):
		return t, invalid("name", "must not contain control characters")
	case strings.Contains(name, "/"):
		// The name is a single path segment of the admin API.
		return t, invalid("name", "must not contain '/'")
	}
	t.Name = name

	if err := s.validateSchedule(req.Schedule, &t); err != nil {
		return t, err
	}

	webhook := strings.TrimSpace(req.Webhook)
	if err := validateWebhook(webhook); err != nil {
		return t, err
	}
	t.Webhook = webhook

	headers, err := validateHeaders(req.Headers)
	if err != nil {
		return t, err
	}
	t.Headers = headers

	payload, err := NormalizePayload(req.Payload)
	if err != nil {
		return t, &domain.ValidationError{Field: "payload", Message: "must be valid JSON", Err: err}
	}
	t.Payload = payload

	retry, err := s.retryConfig(req.RetryConf)
	if err != nil {
		return t, err
	}
	t.Retry = retry

	if len(req.Comment) > MaxCommentLength {
		return t, invalid("comment", "must be at most %d characters", MaxCommentLength)
	}
	t.Comment = req.Comment

	return t, nil
}

func (s *Service) validateSchedule(spec ScheduleSpec, t *domain.Trigger) error {
	kind, err := domain.ParseTriggerKind(spec.Type)
	if err != nil {
		return &domain.ValidationError{Field: "schedule.type", Message: err.Error(), Err: domain.ErrInvalidSchedule}
	}
	t.Kind = kind

	value := strings.TrimSpace(spec.Value)
	if value == "" {
		return &domain.ValidationError{Field: "schedule.value", Message: "is required", Err: domain.ErrInvalidSchedule}
	}

	switch kind {
	case domain.TriggerKindCron:
		if err := s.parser.Validate(value); err != nil {
			return &domain.ValidationError{Field: "schedule.value", Message: err.Error(), Err: err}
		}
		t.CronExpression = value
	case domain.TriggerKindAdHoc:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return &domain.ValidationError{
				Field:   "schedule.value",
				Message: fmt.Sprintf("adhoc schedule must be an RFC3339 timestamp: %v", err),
				Err:     domain.ErrInvalidSchedule,
			}
		}
		at = at.UTC().Truncate(time.Second)
		t.RunAt = &at
	}
	return nil
}

// validateWebhook accepts an absolute http(s) URL or a template whose
// {{ENV_VAR}} references are resolved at delivery time.
func validateWebhook(webhook string) error {
	if webhook == "" {
		return invalid("webhook", "is required")
	}

	refs := dispatcher.TemplateRefs(webhook)
	if len(refs) > 0 {
		if strings.Count(webhook, "{{") != len(refs) || strings.Count(webhook, "}}") != len(refs) {
			return invalid("webhook", "malformed environment reference")
		}
		return nil
	}
	if strings.Contains(webhook, "{{") {
		return invalid("webhook", "malformed environment reference")
	}

	u, err := url.Parse(webhook)
	if err != nil {
		return &domain.ValidationError{Field: "webhook", Message: "invalid URL", Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("webhook", "scheme must be http or https")
	}
	if u.Host == "" {
		return invalid("webhook", "host is required")
	}
	return nil
}

func validateHeaders(headers []domain.Header) ([]domain.Header, error) {
	if len(headers) > MaxHeaders {
		return nil, invalid("headers", "at most %d headers are allowed", MaxHeaders)
	}
	if len(headers) == 0 {
		return nil, nil
	}

	out := make([]domain.Header, 0, len(headers))
	for i, h := range headers {
		field := fmt.Sprintf("headers[%d]", i)
		h.Name = strings.TrimSpace(h.Name)
		if h.Name == "" {
			return nil, invalid(field+".name", "is required")
		}
		if !headerPattern.MatchString(h.Name) {
			return nil, invalid(field+".name", "%q is not a valid header name", h.Name)
		}
		if h.Value != "" && h.ValueFromEnv != "" {
			return nil, invalid(field, "value and value_from_env are mutually exclusive")
		}
		if strings.ContainsAny(h.Value, "\r\n") {
			return nil, invalid(field+".value", "must not contain line breaks")
		}
		out = append(out, h)
	}
	return out, nil
}

// NormalizePayload validates a raw payload. An absent or null payload yields
// nil. A JSON string that itself holds a JSON object or array is decoded, so
// clients that double-encode the payload deliver the intended document.
func NormalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("invalid JSON document")
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		inner := bytes.TrimSpace([]byte(s))
		if len(inner) > 0 && (inner[0] == '{' || inner[0] == '[') && json.Valid(inner) {
			return json.RawMessage(inner), nil
		}
	}

	out := make(json.RawMessage, len(trimmed))
	copy(out, trimmed)
	return out, nil
}

func (s *Service) retryConfig(rc *RetryConf) (domain.RetryConfig, error) {
	retry := s.config.DefaultRetry
	if rc == nil {
		return retry, nil
	}

	switch {
	case rc.MaxAttempts < 0 || rc.MaxAttempts > MaxAttemptsLimit:
		return retry, invalid("retry_conf.max_attempts", "must be between 1 and %d", MaxAttemptsLimit)
	case rc.RetryIntervalSeconds < 0:
		return retry, invalid("retry_conf.retry_interval_seconds", "must not be negative")
	case rc.TimeoutSeconds < 0 || rc.TimeoutSeconds > MaxTimeoutSeconds:
		return retry, invalid("retry_conf.timeout_seconds", "must be between 1 and %d", MaxTimeoutSeconds)
	case rc.ToleranceSeconds < 0:
		return retry, invalid("retry_conf.tolerance_seconds", "must not be negative")
	}

	if rc.MaxAttempts > 0 {
		retry.MaxAttempts = rc.MaxAttempts
	}
	if rc.RetryIntervalSeconds > 0 {
		retry.RetryInterval = time.Duration(rc.RetryIntervalSeconds) * time.Second
	}
	if rc.TimeoutSeconds > 0 {
		retry.Timeout = time.Duration(rc.TimeoutSeconds) * time.Second
	}
	if rc.ToleranceSeconds > 0 {
		retry.Tolerance = time.Duration(rc.ToleranceSeconds) * time.Second
	}
	return retry, nil
}
