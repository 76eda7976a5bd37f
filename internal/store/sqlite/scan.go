package sqlite

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

func triggerDest() (func() (domain.Trigger, error), []any) {
	var (
		t                               domain.Trigger
		kind                            string
		cronExpr, payload               sql.NullString
		runAt                           sql.NullInt64
		headers                         string
		retryMs, timeoutMs, toleranceMs int64
		createdAt                       int64
	)
	dest := []any{
		&t.ID, &t.Name, &kind, &cronExpr, &runAt, &t.Webhook, &headers, &payload,
		&t.Retry.MaxAttempts, &retryMs, &timeoutMs, &toleranceMs, &t.Comment, &createdAt,
	}
	build := func() (domain.Trigger, error) {
		t.Kind = domain.TriggerKind(kind)
		t.CronExpression = cronExpr.String
		if runAt.Valid {
			ra := fromMillis(runAt.Int64)
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
		t.CreatedAt = fromMillis(createdAt)
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

func eventDest() (func() domain.Event, []any) {
	var (
		e                                 domain.Event
		status                            string
		claimToken                        uuid.NullUUID
		scheduled, nextAttempt, createdAt int64
		claimedAt, deliveredAt            sql.NullInt64
	)
	dest := []any{
		&e.ID, &e.TriggerName, &scheduled, &status, &e.AttemptCount, &nextAttempt,
		&e.LastError, &claimToken, &createdAt, &claimedAt, &deliveredAt,
	}
	build := func() domain.Event {
		e.Status = domain.EventStatus(status)
		e.ScheduledTime = fromMillis(scheduled)
		e.NextAttemptAt = fromMillis(nextAttempt)
		e.CreatedAt = fromMillis(createdAt)
		if claimToken.Valid {
			e.ClaimToken = claimToken.UUID
		}
		if claimedAt.Valid {
			t := fromMillis(claimedAt.Int64)
			e.ClaimedAt = &t
		}
		if deliveredAt.Valid {
			t := fromMillis(deliveredAt.Int64)
			e.DeliveredAt = &t
		}
		return e
	}
	return build, dest
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
