// Package sqlite implements the trigger store on an embedded SQLite database
// for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/djlord-it/triggerd/internal/admin"
	"github.com/djlord-it/triggerd/internal/dispatcher"
	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/materializer"
	"github.com/djlord-it/triggerd/internal/reconciler"
)

//go:embed schema.sql
var schemaSQL string

// Open opens the database at path and applies connection pragmas.
// ":memory:" yields a private in-memory database.
func Open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; it also keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	if busyTimeout > 0 {
		pragmas = append([]string{fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Store implements the materializer, dispatcher, reconciler and admin stores.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
	now       func() time.Time
}

func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout, now: time.Now}
}

// WithClock sets the clock used for created_at stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

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
		nullMillis(trigger.RunAt),
		trigger.Webhook,
		string(headers),
		nullJSON(trigger.Payload),
		trigger.Retry.MaxAttempts,
		trigger.Retry.RetryInterval.Milliseconds(),
		trigger.Retry.Timeout.Milliseconds(),
		trigger.Retry.Tolerance.Milliseconds(),
		trigger.Comment,
		trigger.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateName
		}
		return fmt.Errorf("insert trigger: %w", err)
	}

	if trigger.Kind == domain.TriggerKindAdHoc && trigger.RunAt != nil {
		_, err = tx.ExecContext(ctx, queryInsertEventIfAbsent,
			uuid.New(), trigger.RunAt.UnixMilli(), trigger.CreatedAt.UnixMilli(), trigger.Name)
		if err != nil {
			return fmt.Errorf("insert adhoc event: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) DeleteTrigger(ctx context.Context, name string, retainHistory bool) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id uuid.UUID
	if err := tx.QueryRowContext(ctx, queryTriggerID, name).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}

	attempts, events := queryDeletePendingAttempts, queryDeletePendingEvents
	if !retainHistory {
		attempts, events = queryDeleteSettledAttempts, queryDeleteSettledEvents
	}
	if _, err := tx.ExecContext(ctx, attempts, id); err != nil {
		return 0, fmt.Errorf("delete attempts: %w", err)
	}
	res, err := tx.ExecContext(ctx, events, id)
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
		build, dest := triggerDest()
		var last sql.NullInt64
		if err := rows.Scan(append(dest, &last)...); err != nil {
			return nil, err
		}
		trigger, err := build()
		if err != nil {
			return nil, err
		}
		state := domain.CronTriggerState{Trigger: trigger}
		if last.Valid {
			t := fromMillis(last.Int64)
			state.LastScheduledTime = &t
		}
		result = append(result, state)
	}
	return result, rows.Err()
}

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

	now := s.now().UnixMilli()
	inserted := 0
	for _, t := range times {
		res, err := tx.ExecContext(ctx, queryInsertEventIfAbsent, uuid.New(), t.UnixMilli(), now, triggerName)
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

// ClaimDueEvents selects and marks due events inside one transaction, at most
// one per trigger. The single connection serializes claimers, so no row is
// handed out twice.
func (s *Store) ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]domain.ClaimedEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids, err := selectIDs(ctx, tx, querySelectDue, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	token := uuid.New()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, queryMarkClaimed, now.UnixMilli(), token, id); err != nil {
			return nil, fmt.Errorf("claim event %s: %w", id, err)
		}
	}

	rows, err := tx.QueryContext(ctx, querySelectClaimed, token)
	if err != nil {
		return nil, err
	}
	var result []domain.ClaimedEvent
	for rows.Next() {
		ev, evDest := eventDest()
		tr, trDest := triggerDest()
		if err := rows.Scan(append(evDest, trDest...)...); err != nil {
			rows.Close()
			return nil, err
		}
		var claimed domain.ClaimedEvent
		claimed.Event = ev()
		if claimed.Trigger, err = tr(); err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, claimed)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// RenewClaim refreshes claimed_at of an event still held by token.
func (s *Store) RenewClaim(ctx context.Context, eventID, token uuid.UUID, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryRenewClaim, now.UnixMilli(), eventID, token)
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

// RecordOutcome applies an outcome to an event held by its claim token. A
// retryable outcome for an event whose trigger is gone is recorded as dead.
func (s *Store) RecordOutcome(ctx context.Context, eventID uuid.UUID, outcome domain.Outcome) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var triggerExists bool
	if err := tx.QueryRowContext(ctx, queryTriggerExists, eventID).Scan(&triggerExists); err != nil {
		return fmt.Errorf("check trigger: %w", err)
	}
	if !triggerExists {
		outcome = outcome.Orphaned()
	}

	increment := 0
	if outcome.Attempt != nil {
		increment = 1
	}
	var nextAttempt any
	if outcome.Kind == domain.OutcomeRetryable {
		nextAttempt = outcome.NextAttemptAt.UnixMilli()
	}
	var deliveredAt any
	if outcome.Kind == domain.OutcomeDelivered {
		deliveredAt = outcome.At.UnixMilli()
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
			a.StartedAt.UnixMilli(), a.FinishedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert delivery attempt: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) RequeueStaleClaims(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryRequeueStaleClaims, olderThan.UnixMilli(), limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

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
		result = append(result, ev())
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
		var started, finished int64
		if err := rows.Scan(&a.ID, &a.EventID, &a.Attempt, &a.StatusCode, &a.Error,
			&a.ResponseBody, &started, &finished); err != nil {
			return nil, err
		}
		a.StartedAt = fromMillis(started)
		a.FinishedAt = fromMillis(finished)
		result = append(result, a)
	}
	return result, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// missingOrDenied explains why a claim-guarded update matched no row.
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

func selectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqlErr *moderncsqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Connection without extended result codes.
		return strings.Contains(sqlErr.Error(), "UNIQUE constraint failed")
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
