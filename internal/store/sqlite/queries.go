package sqlite

const triggerColumns = `
    t.id, t.name, t.kind, t.cron_expression, t.run_at, t.webhook, t.headers, t.payload,
    t.max_attempts, t.retry_interval_ms, t.timeout_ms, t.tolerance_ms, t.comment, t.created_at`

const eventColumns = `
    e.id, e.trigger_name, e.scheduled_time, e.status, e.attempt_count, e.next_attempt_at,
    e.last_error, e.claim_token, e.created_at, e.claimed_at, e.delivered_at`

// A name filter resolves to the live trigger of that name when one exists, so
// history retained from a deleted trigger of the same name is not mixed in.
// Without a live trigger the retained history is returned as is.
const currentInstance = `(
    NOT EXISTS (SELECT 1 FROM triggers c WHERE c.name = ?1)
    OR e.trigger_id = (SELECT c.id FROM triggers c WHERE c.name = ?1))`

const queryInsertTrigger = `
INSERT INTO triggers (id, name, kind, cron_expression, run_at, webhook, headers, payload,
    max_attempts, retry_interval_ms, timeout_ms, tolerance_ms, comment, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const queryGetTrigger = `
SELECT` + triggerColumns + `
FROM triggers t
WHERE t.name = ?
`

const queryListTriggers = `
SELECT` + triggerColumns + `
FROM triggers t
ORDER BY t.created_at, t.name
LIMIT ? OFFSET ?
`

const queryListCronTriggers = `
SELECT` + triggerColumns + `,
    (SELECT MAX(e.scheduled_time) FROM scheduled_events e WHERE e.trigger_id = t.id)
FROM triggers t
WHERE t.kind = 'cron'
ORDER BY t.name
`

const queryInsertEventIfAbsent = `
INSERT INTO scheduled_events (id, trigger_id, trigger_name, scheduled_time, status, next_attempt_at, created_at)
SELECT ?1, t.id, t.name, ?2, 'pending', ?2, ?3
FROM triggers t
WHERE t.name = ?4
ON CONFLICT (trigger_id, scheduled_time) DO NOTHING
`

const queryTriggerID = `
SELECT id FROM triggers WHERE name = ?
`

const queryDeletePendingAttempts = `
DELETE FROM delivery_attempts
WHERE event_id IN (SELECT id FROM scheduled_events WHERE trigger_id = ? AND status = 'pending')
`

const queryDeletePendingEvents = `
DELETE FROM scheduled_events
WHERE trigger_id = ? AND status = 'pending'
`

const queryDeleteSettledAttempts = `
DELETE FROM delivery_attempts
WHERE event_id IN (SELECT id FROM scheduled_events WHERE trigger_id = ? AND status <> 'in_flight')
`

const queryDeleteSettledEvents = `
DELETE FROM scheduled_events
WHERE trigger_id = ? AND status <> 'in_flight'
`

const queryDeleteTrigger = `
DELETE FROM triggers WHERE id = ?
`

// At most one event per trigger is due at a time: the earliest due pending
// event, and only while no other event of that trigger is in flight.
const querySelectDue = `
SELECT e.id
FROM scheduled_events e
JOIN triggers t ON t.id = e.trigger_id
WHERE e.status = 'pending'
  AND e.next_attempt_at <= ?1
  AND NOT EXISTS (
      SELECT 1 FROM scheduled_events f
      WHERE f.trigger_id = e.trigger_id AND f.status = 'in_flight')
  AND NOT EXISTS (
      SELECT 1 FROM scheduled_events p
      WHERE p.trigger_id = e.trigger_id
        AND p.status = 'pending'
        AND p.next_attempt_at <= ?1
        AND (p.scheduled_time < e.scheduled_time
             OR (p.scheduled_time = e.scheduled_time AND p.id < e.id)))
ORDER BY e.scheduled_time, e.id
LIMIT ?2
`

const queryMarkClaimed = `
UPDATE scheduled_events
SET status = 'in_flight', claimed_at = ?, claim_token = ?
WHERE id = ? AND status = 'pending'
`

const querySelectClaimed = `
SELECT` + eventColumns + `,` + triggerColumns + `
FROM scheduled_events e
JOIN triggers t ON t.id = e.trigger_id
WHERE e.claim_token = ?
ORDER BY e.scheduled_time, e.id
`

const queryRecordOutcome = `
UPDATE scheduled_events
SET status = ?1,
    attempt_count = attempt_count + ?2,
    next_attempt_at = COALESCE(?3, next_attempt_at),
    last_error = ?4,
    delivered_at = ?5,
    claimed_at = NULL,
    claim_token = NULL
WHERE id = ?6
  AND status = 'in_flight'
  AND claim_token = ?7
`

const queryGetEventStatus = `
SELECT status FROM scheduled_events WHERE id = ?
`

const queryRenewClaim = `
UPDATE scheduled_events
SET claimed_at = ?
WHERE id = ? AND status = 'in_flight' AND claim_token = ?
`

const queryTriggerExists = `
SELECT EXISTS (
    SELECT 1 FROM triggers t
    JOIN scheduled_events e ON e.trigger_id = t.id
    WHERE e.id = ?)
`

const queryInsertDeliveryAttempt = `
INSERT INTO delivery_attempts (id, event_id, attempt, status_code, error, response_body, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// A stale claim whose trigger was deleted can never be claimed again, so it
// is settled as dead instead of requeued.
const queryRequeueStaleClaims = `
UPDATE scheduled_events
SET status = CASE
        WHEN EXISTS (SELECT 1 FROM triggers t WHERE t.id = scheduled_events.trigger_id) THEN 'pending'
        ELSE 'dead'
    END,
    last_error = CASE
        WHEN EXISTS (SELECT 1 FROM triggers t WHERE t.id = scheduled_events.trigger_id) THEN last_error
        ELSE 'trigger deleted'
    END,
    claimed_at = NULL,
    claim_token = NULL
WHERE id IN (
    SELECT id FROM scheduled_events
    WHERE status = 'in_flight'
      AND claimed_at < ?
    ORDER BY claimed_at ASC
    LIMIT ?
)
`

const queryListEvents = `
SELECT` + eventColumns + `
FROM scheduled_events e
WHERE (?1 = '' OR (e.trigger_name = ?1 AND ` + currentInstance + `))
  AND (?2 = '' OR e.status = ?2)
ORDER BY e.scheduled_time ASC, e.id
LIMIT ?3 OFFSET ?4
`

const queryCountEvents = `
SELECT COUNT(*) FROM scheduled_events e
WHERE e.trigger_name = ?1 AND ` + currentInstance + `
`

const queryCountEventsByStatus = `
SELECT status, COUNT(*) FROM scheduled_events GROUP BY status
`

const queryListAttempts = `
SELECT id, event_id, attempt, status_code, error, response_body, started_at, finished_at
FROM delivery_attempts
WHERE event_id = ?
ORDER BY attempt ASC
`
