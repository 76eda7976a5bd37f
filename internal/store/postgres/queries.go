package postgres

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
    NOT EXISTS (SELECT 1 FROM triggers c WHERE c.name = $1)
    OR e.trigger_id = (SELECT c.id FROM triggers c WHERE c.name = $1))`

const queryInsertTrigger = `
INSERT INTO triggers (id, name, kind, cron_expression, run_at, webhook, headers, payload,
    max_attempts, retry_interval_ms, timeout_ms, tolerance_ms, comment, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

const queryGetTrigger = `
SELECT` + triggerColumns + `
FROM triggers t
WHERE t.name = $1
`

const queryListTriggers = `
SELECT` + triggerColumns + `
FROM triggers t
ORDER BY t.created_at, t.name
LIMIT $1 OFFSET $2
`

const queryListCronTriggers = `
SELECT` + triggerColumns + `,
    (SELECT MAX(e.scheduled_time) FROM scheduled_events e WHERE e.trigger_id = t.id)
FROM triggers t
WHERE t.kind = 'cron'
ORDER BY t.name
`

// The trigger row is selected in the same statement so a concurrently deleted
// trigger never gets new events.
const queryInsertEventIfAbsent = `
INSERT INTO scheduled_events (id, trigger_id, trigger_name, scheduled_time, status, next_attempt_at, created_at)
SELECT $1, t.id, t.name, $2, 'pending', $2, $3
FROM triggers t
WHERE t.name = $4
ON CONFLICT (trigger_id, scheduled_time) DO NOTHING
`

const queryLockTrigger = `
SELECT id FROM triggers WHERE name = $1 FOR UPDATE
`

const queryDeletePendingEvents = `
DELETE FROM scheduled_events
WHERE trigger_id = $1 AND status = 'pending'
`

const queryDeleteSettledEvents = `
DELETE FROM scheduled_events
WHERE trigger_id = $1 AND status <> 'in_flight'
`

const queryDeleteTrigger = `
DELETE FROM triggers WHERE id = $1
`

// At most one event per trigger is claimable: the earliest due pending event,
// and only while no other event of that trigger is in flight. A concurrent
// claimer skips the locked earliest row and still sees it as pending, so it
// never takes a later event of the same trigger.
const queryClaimDueEvents = `
WITH due AS (
    SELECT e.id
    FROM scheduled_events e
    JOIN triggers t ON t.id = e.trigger_id
    WHERE e.status = 'pending'
      AND e.next_attempt_at <= $1
      AND NOT EXISTS (
          SELECT 1 FROM scheduled_events f
          WHERE f.trigger_id = e.trigger_id AND f.status = 'in_flight')
      AND NOT EXISTS (
          SELECT 1 FROM scheduled_events p
          WHERE p.trigger_id = e.trigger_id
            AND p.status = 'pending'
            AND p.next_attempt_at <= $1
            AND (p.scheduled_time, p.id) < (e.scheduled_time, e.id))
    ORDER BY e.scheduled_time, e.id
    LIMIT $2
    FOR UPDATE OF e SKIP LOCKED
),
claimed AS (
    UPDATE scheduled_events
    SET status = 'in_flight', claimed_at = $1, claim_token = $3
    FROM due
    WHERE scheduled_events.id = due.id
    RETURNING scheduled_events.*
)
SELECT` + eventColumns + `,` + triggerColumns + `
FROM claimed e
JOIN triggers t ON t.id = e.trigger_id
ORDER BY e.scheduled_time, e.id
`

const queryRecordOutcome = `
UPDATE scheduled_events
SET status = $1,
    attempt_count = attempt_count + $2,
    next_attempt_at = COALESCE($3, next_attempt_at),
    last_error = $4,
    delivered_at = $5,
    claimed_at = NULL,
    claim_token = NULL
WHERE id = $6
  AND status = 'in_flight'
  AND claim_token = $7
`

const queryGetEventStatus = `
SELECT status FROM scheduled_events WHERE id = $1
`

const queryRenewClaim = `
UPDATE scheduled_events
SET claimed_at = $1
WHERE id = $2 AND status = 'in_flight' AND claim_token = $3
`

// Locks the owning trigger so a concurrent delete waits for the outcome.
const queryTriggerExists = `
SELECT t.id FROM triggers t
JOIN scheduled_events e ON e.trigger_id = t.id
WHERE e.id = $1
FOR SHARE OF t
`

const queryInsertDeliveryAttempt = `
INSERT INTO delivery_attempts (id, event_id, attempt, status_code, error, response_body, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// A stale claim whose trigger was deleted can never be claimed again, so it
// is settled as dead instead of requeued.
const queryRequeueStaleClaims = `
WITH stale AS (
    SELECT id, trigger_id FROM scheduled_events
    WHERE status = 'in_flight'
      AND claimed_at < $1
    ORDER BY claimed_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE scheduled_events
SET status = CASE WHEN t.id IS NULL THEN 'dead' ELSE 'pending' END,
    last_error = CASE WHEN t.id IS NULL THEN 'trigger deleted' ELSE scheduled_events.last_error END,
    claimed_at = NULL,
    claim_token = NULL
FROM stale
LEFT JOIN triggers t ON t.id = stale.trigger_id
WHERE scheduled_events.id = stale.id
`

const queryListEvents = `
SELECT` + eventColumns + `
FROM scheduled_events e
WHERE ($1 = '' OR (e.trigger_name = $1 AND ` + currentInstance + `))
  AND ($2 = '' OR e.status = $2)
ORDER BY e.scheduled_time ASC, e.id
LIMIT $3 OFFSET $4
`

const queryCountEvents = `
SELECT COUNT(*) FROM scheduled_events e
WHERE e.trigger_name = $1 AND ` + currentInstance + `
`

const queryCountEventsByStatus = `
SELECT status, COUNT(*) FROM scheduled_events GROUP BY status
`

const queryListAttempts = `
SELECT id, event_id, attempt, status_code, error, response_body, started_at, finished_at
FROM delivery_attempts
WHERE event_id = $1
ORDER BY attempt ASC
`
