// Package postgres implements the trigger store on PostgreSQL.
//
// The store works with both the lib/pq ("postgres") and the pgx stdlib ("pgx")
// database/sql drivers. Cross-worker coordination relies on unique indexes,
// FOR UPDATE SKIP LOCKED claims and claim-token guarded outcome updates.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/djlord-it/triggerd/internal/admin"
	"github.com/djlord-it/triggerd/internal/dispatcher"
	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/materializer"
	"github.com/djlord-it/triggerd/internal/reconciler"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Store implements the materializer, dispatcher, reconciler and admin stores.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
	now       func() time.Time
}

// New creates a store. opTimeout bounds every operation; zero disables the bound.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout, now: time.Now}
}

// WithClock sets the clock used for created_at stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Migrate applies the embedded schema. Safe to run multiple times.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateTrigger persists a definition. An adhoc trigger's single event is
// inserted in the same transaction so it is visible as soon as this returns.
func (s *Store) CreateTrigger(ctx context.Context, trigger domain.Trigger) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	headers, err := json.Marshal(trigger.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryInsertTrigger,
		trigger.ID,
		trigger.Name,
		string(trigger.Kind),
		nullString(trigger.CronExpression),
		nullTimePtr(trigger.RunAt),
		trigger.Webhook,
		string(headers),
		nullJSON(trigger.Payload),
		trigger.Retry.MaxAttempts,
		trigger.Retry.RetryInterval.Milliseconds(),
		trigger.Retry.Timeout.Milliseconds(),
		trigger.Retry.Tolerance.Milliseconds(),
		trigger.Comment,
		trigger.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateName
		}
		return fmt.Errorf("insert trigger: %w", err)
	}

	if trigger.Kind == domain.TriggerKindAdHoc && trigger.RunAt != nil {
		_, err = tx.ExecContext(ctx, queryInsertEventIfAbsent,
			uuid.New(), trigger.RunAt.UTC(), trigger.CreatedAt.UTC(), trigger.Name)
		if err != nil {
			return fmt.Errorf("insert adhoc event: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteTrigger removes a definition and its pending events. When retainHistory
// is false, every settled event is purged as well. In-flight events are left
// for their dispatcher to finish. Returns the number of events removed.
func (s *Store) DeleteTrigger(ctx context.Context, name string, retainHistory bool) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id uuid.UUID
	if err := tx.QueryRowContext(ctx, queryLockTrigger, name).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}

	query := queryDeletePendingEvents
	if !retainHistory {
		query = queryDeleteSettledEvents
	}
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, queryDeleteTrigger, id); err != nil {
		return 0, fmt.Errorf("delete trigger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (s *Store) GetTrigger(ctx context.Context, name string) (domain.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	trigger, err := scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, domain.ErrNotFound
	}
	return trigger, err
}

func (s *Store) ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListTriggers, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, trigger)
	}
	return result, rows.Err()
}

// ListCronTriggers returns every cron trigger with its latest materialized time.
func (s *Store) ListCronTriggers(ctx context.Context) ([]domain.CronTriggerState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListCronTriggers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.CronTriggerState
	for rows.Next() {
		var state domain.CronTriggerState
		var last sql.NullTime
		if err := scanTriggerInto(rows, &state.Trigger, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time.UTC()
			state.LastScheduledTime = &t
		}
		result = append(result, state)
	}
	return result, rows.Err()
}

// InsertEventsIfAbsent inserts one pending event per instant. Duplicates are
// skipped by the unique index, so concurrent callers never double-insert.
func (s *Store) InsertEventsIfAbsent(ctx context.Context, triggerName string, times []time.Time) (int, error) {
	if len(times) == 0 {
		return 0, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, queryInsertEventIfAbsent)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := s.now().UTC()
	inserted := 0
	for _, t := range times {
		res, err := stmt.ExecContext(ctx, uuid.New(), t.UTC(), now, triggerName)
		if err != nil {
			return 0, fmt.Errorf("insert event at %s: %w", t.UTC().Format(time.RFC3339), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimDueEvents moves up to limit due pending events to in_flight and returns
// them, oldest scheduled_time first. A trigger contributes at most its earliest
// due event and nothing while another of its events is in flight. Rows locked
// by another claimer are skipped.
func (s *Store) ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]domain.ClaimedEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	token := uuid.New()
	rows, err := s.db.QueryContext(ctx, queryClaimDueEvents, now.UTC(), limit, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ClaimedEvent
	for rows.Next() {
		var claimed domain.ClaimedEvent
		ev, evDest := eventDest()
		tr, trDest := triggerDest()
		if err := rows.Scan(append(evDest, trDest...)...); err != nil {
			return nil, err
		}
		if claimed.Event, err = ev(); err != nil {
			return nil, err
		}
		if claimed.Trigger, err = tr(); err != nil {
			return nil, err
		}
		result = append(result, claimed)
	}
	return result, rows.Err()
}

// RenewClaim refreshes claimed_at of an event still held by token, so the
// reconciler measures staleness from the start of the current send.
func (s *Store) RenewClaim(ctx context.Context, eventID, token uuid.UUID, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryRenewClaim, now.UTC(), eventID, token)
	if err != nil {
		return fmt.Errorf("renew claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return missingOrDenied(ctx, s.db, eventID)
	}
	return nil
}

// RecordOutcome applies a delivery outcome to an in-flight event and stores the
// attempt log in the same transaction. It returns domain.ErrTransitionDenied
// when the event is no longer held by the claim the outcome belongs to. A
// retryable outcome for an event whose trigger was deleted is recorded as dead.
func (s *Store) RecordOutcome(ctx context.Context, eventID uuid.UUID, outcome domain.Outcome) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var triggerID uuid.UUID
	err = tx.QueryRowContext(ctx, queryTriggerExists, eventID).Scan(&triggerID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		outcome = outcome.Orphaned()
	case err != nil:
		return fmt.Errorf("lock trigger: %w", err)
	}

	increment := 0
	if outcome.Attempt != nil {
		increment = 1
	}
	var nextAttempt any
	if outcome.Kind == domain.OutcomeRetryable {
		nextAttempt = outcome.NextAttemptAt.UTC()
	}
	var deliveredAt any
	if outcome.Kind == domain.OutcomeDelivered {
		deliveredAt = outcome.At.UTC()
	}

	res, err := tx.ExecContext(ctx, queryRecordOutcome,
		string(outcome.Status()),
		increment,
		nextAttempt,
		outcome.ErrorText(),
		deliveredAt,
		eventID,
		outcome.ClaimToken,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return missingOrDenied(ctx, tx, eventID)
	}

	if a := outcome.Attempt; a != nil {
		_, err := tx.ExecContext(ctx, queryInsertDeliveryAttempt,
			a.ID, eventID, a.Attempt, a.StatusCode, a.Error, a.ResponseBody,
			a.StartedAt.UTC(), a.FinishedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert delivery attempt: %w", err)
		}
	}

	return tx.Commit()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// missingOrDenied tells apart an event that is gone from one that is no
// longer held by the caller's claim.
func missingOrDenied(ctx context.Context, q queryRower, eventID uuid.UUID) error {
	var status string
	err := q.QueryRowContext(ctx, queryGetEventStatus, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrTransitionDenied
}

// RequeueStaleClaims returns in-flight events claimed before olderThan to
// pending. Events of a deleted trigger are settled as dead instead.
func (s *Store) RequeueStaleClaims(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryRequeueStaleClaims, olderThan.UTC(), limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListEvents returns event history ordered by scheduled_time.
func (s *Store) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListEvents,
		filter.TriggerName, string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Event
	for rows.Next() {
		ev, dest := eventDest()
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		event, err := ev()
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context, triggerName string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, queryCountEvents, triggerName).Scan(&n)
	return n, err
}

func (s *Store) CountEventsByStatus(ctx context.Context) (map[domain.EventStatus]int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryCountEventsByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.EventStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.EventStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) ListAttempts(ctx context.Context, eventID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListAttempts, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.EventID, &a.Attempt, &a.StatusCode, &a.Error,
			&a.ResponseBody, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		a.StartedAt = a.StartedAt.UTC()
		a.FinishedAt = a.FinishedAt.UTC()
		result = append(result, a)
	}
	return result, rows.Err()
}

// isUniqueViolation recognizes unique violations from both lib/pq and pgx.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

// Compile-time interface assertions
var (
	_ materializer.Store = (*Store)(nil)
	_ dispatcher.Store   = (*Store)(nil)
	_ reconciler.Store   = (*Store)(nil)
	_ admin.Store        = (*Store)(nil)
)
