package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/triggerd/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// triggerDest returns scan destinations for triggerColumns and a function that
// assembles the trigger once the row has been scanned.
func triggerDest() (func() (domain.Trigger, error), []any) {
	var (
		t                               domain.Trigger
		kind                            string
		cronExpr, payload               sql.NullString
		runAt                           sql.NullTime
		headers                         string
		retryMs, timeoutMs, toleranceMs int64
	)
	dest := []any{
		&t.ID, &t.Name, &kind, &cronExpr, &runAt, &t.Webhook, &headers, &payload,
		&t.Retry.MaxAttempts, &retryMs, &timeoutMs, &toleranceMs, &t.Comment, &t.CreatedAt,
	}
	build := func() (domain.Trigger, error) {
		t.Kind = domain.TriggerKind(kind)
		t.CronExpression = cronExpr.String
		if runAt.Valid {
			ra := runAt.Time.UTC()
			t.RunAt = &ra
		}
		if headers != "" {
			if err := json.Unmarshal([]byte(headers), &t.Headers); err != nil {
				return domain.Trigger{}, fmt.Errorf("trigger %s: decode headers: %w", t.Name, err)
			}
		}
		if payload.Valid {
			t.Payload = json.RawMessage(payload.String)
		}
		t.Retry.RetryInterval = time.Duration(retryMs) * time.Millisecond
		t.Retry.Timeout = time.Duration(timeoutMs) * time.Millisecond
		t.Retry.Tolerance = time.Duration(toleranceMs) * time.Millisecond
		t.CreatedAt = t.CreatedAt.UTC()
		return t, nil
	}
	return build, dest
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	build, dest := triggerDest()
	if err := row.Scan(dest...); err != nil {
		return domain.Trigger{}, err
	}
	return build()
}

// scanTriggerInto scans triggerColumns followed by extra destinations.
func scanTriggerInto(row rowScanner, trigger *domain.Trigger, extra ...any) error {
	build, dest := triggerDest()
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	t, err := build()
	if err != nil {
		return err
	}
	*trigger = t
	return nil
}

// eventDest mirrors triggerDest for eventColumns.
func eventDest() (func() (domain.Event, error), []any) {
	var (
		e                      domain.Event
		status                 string
		claimToken             uuid.NullUUID
		claimedAt, deliveredAt sql.NullTime
	)
	dest := []any{
		&e.ID, &e.TriggerName, &e.ScheduledTime, &status, &e.AttemptCount, &e.NextAttemptAt,
		&e.LastError, &claimToken, &e.CreatedAt, &claimedAt, &deliveredAt,
	}
	build := func() (domain.Event, error) {
		e.Status = domain.EventStatus(status)
		e.ScheduledTime = e.ScheduledTime.UTC()
		e.NextAttemptAt = e.NextAttemptAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		if claimToken.Valid {
			e.ClaimToken = claimToken.UUID
		}
		if claimedAt.Valid {
			t := claimedAt.Time.UTC()
			e.ClaimedAt = &t
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time.UTC()
			e.DeliveredAt = &t
		}
		return e, nil
	}
	return build, dest
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// nullJSON passes JSON as text: lib/pq would encode []byte as bytea.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
