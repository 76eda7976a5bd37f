// Package dispatcher claims due scheduled events and delivers them to their
// trigger's webhook, recording one outcome per attempt.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/triggerd/internal/circuitbreaker"
	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/logging"
	"github.com/djlord-it/triggerd/internal/metrics"
)

// recordTimeout bounds outcome persistence, which runs even after shutdown began.
const recordTimeout = 5 * time.Second

type Store interface {
	// ClaimDueEvents atomically moves due pending events to in_flight. It
	// returns at most one event per trigger and none for a trigger that
	// already has an event in flight.
	ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]domain.ClaimedEvent, error)
	// RenewClaim refreshes claimed_at while token still holds the event and
	// returns domain.ErrTransitionDenied otherwise.
	RenewClaim(ctx context.Context, eventID, token uuid.UUID, now time.Time) error
	// RecordOutcome MUST reject events not held by the outcome's claim token
	// with domain.ErrTransitionDenied.
	RecordOutcome(ctx context.Context, eventID uuid.UUID, outcome domain.Outcome) error
}

// AnalyticsSink receives one call per recorded outcome. Errors are logged only.
type AnalyticsSink interface {
	Record(ctx context.Context, triggerName, outcome string, at time.Time) error
}

type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
	// Release returns a slot from Allow when no request was sent.
	Release(key string)
}

// Limiter is satisfied by *rate.Limiter.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Waker delivers early wake-ups, e.g. when new events were materialized.
type Waker interface {
	C() <-chan struct{}
}

type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	MaxBackoff   time.Duration
	DrainTimeout time.Duration
}

type Dispatcher struct {
	config    Config
	store     Store
	sender    WebhookSender
	builder   *RequestBuilder
	breaker   Breaker       // optional
	limiter   Limiter       // optional
	waker     Waker         // optional
	analytics AnalyticsSink // optional
	metrics   metrics.Sink
	clock     func() time.Time
	logger    zerolog.Logger
}

func New(config Config, store Store, sender WebhookSender, builder *RequestBuilder) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Dispatcher{
		config:  config,
		store:   store,
		sender:  sender,
		builder: builder,
		metrics: metrics.NewNoopSink(),
		clock:   time.Now,
		logger:  logging.Component("dispatcher"),
	}
}

func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

func (d *Dispatcher) WithLimiter(l Limiter) *Dispatcher {
	d.limiter = l
	return d
}

func (d *Dispatcher) WithWaker(w Waker) *Dispatcher {
	d.waker = w
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

func (d *Dispatcher) WithMetrics(sink metrics.Sink) *Dispatcher {
	if sink != nil {
		d.metrics = sink
	}
	return d
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

func (d *Dispatcher) WithLogger(logger zerolog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-progress batch has finished or hit the drain timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Int("workers", d.config.Workers).
		Int("batch_size", d.config.BatchSize).
		Dur("poll_interval", d.config.PollInterval).
		Msg("started")

	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	d.logger.Info().Msg("stopped")
	return ctx.Err()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if d.waker != nil {
		wake = d.waker.C()
	}

	for {
		// Keep claiming until nothing is due. Delivering an event makes the
		// next event of its trigger claimable.
		for ctx.Err() == nil {
			n, err := d.PollOnce(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					d.logger.Error().Err(err).Int("worker", id).Msg("claim failed")
				}
				break
			}
			if n == 0 {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// PollOnce claims one batch of due events and delivers it. It returns the
// number of events claimed.
func (d *Dispatcher) PollOnce(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimDueEvents(ctx, d.clock().UTC(), d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	d.metrics.ClaimBatch(len(batch))

	dctx, done := d.drainContext(ctx)
	defer done()
	d.dispatchBatch(dctx, batch)
	return len(batch), nil
}

// drainContext detaches delivery from ctx so claimed events finish after
// shutdown begins, bounded by the drain timeout.
func (d *Dispatcher) drainContext(ctx context.Context) (context.Context, func()) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	finished := make(chan struct{})
	go func() {
		select {
		case <-finished:
			return
		case <-ctx.Done():
		}
		if d.config.DrainTimeout <= 0 {
			cancel()
			return
		}
		timer := time.NewTimer(d.config.DrainTimeout)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			d.logger.Warn().Dur("drain_timeout", d.config.DrainTimeout).Msg("drain timeout, aborting deliveries")
			cancel()
		}
	}()
	return dctx, func() {
		close(finished)
		cancel()
	}
}

// dispatchBatch delivers a batch in parallel. A claim holds at most one event
// per trigger, so per-trigger order is kept by the store.
func (d *Dispatcher) dispatchBatch(ctx context.Context, batch []domain.ClaimedEvent) {
	var wg sync.WaitGroup
	for _, c := range batch {
		wg.Add(1)
		go func(c domain.ClaimedEvent) {
			defer wg.Done()
			if err := d.Dispatch(ctx, c); err != nil {
				d.logger.Error().Err(err).
					Str("trigger", c.Trigger.Name).
					Str("event_id", c.Event.ID.String()).
					Msg("record outcome failed")
			}
		}(c)
	}
	wg.Wait()
}

// Dispatch makes at most one delivery attempt for a claimed event and records
// the outcome. A denied transition means the claim was lost and is not an error:
// before the send nothing is delivered, after it the outcome is discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, c domain.ClaimedEvent) error {
	d.metrics.EventsInFlightIncr()
	defer d.metrics.EventsInFlightDecr()

	log := d.logger.With().
		Str("trigger", c.Trigger.Name).
		Str("event_id", c.Event.ID.String()).
		Time("scheduled_time", c.Event.ScheduledTime).
		Logger()

	outcome, err := d.attempt(ctx, c)
	if err != nil {
		log.Warn().Err(err).Msg("claim lost before send, delivery skipped")
		return nil
	}
	outcome.ClaimToken = c.Event.ClaimToken

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := d.store.RecordOutcome(rctx, c.Event.ID, outcome); err != nil {
		if errors.Is(err, domain.ErrTransitionDenied) || errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Msg("claim lost, outcome discarded")
			return nil
		}
		return fmt.Errorf("record outcome: %w", err)
	}

	d.report(rctx, log, c, outcome)
	return nil
}

// attempt returns the outcome to record, or a domain.ErrTransitionDenied or
// domain.ErrNotFound error when the claim was lost before the send.
func (d *Dispatcher) attempt(ctx context.Context, c domain.ClaimedEvent) (domain.Outcome, error) {
	ev, tr := c.Event, c.Trigger
	now := d.clock().UTC()

	if ev.AttemptCount == 0 && tr.Retry.Tolerance > 0 && now.Sub(ev.ScheduledTime) > tr.Retry.Tolerance {
		return domain.Outcome{
			Kind: domain.OutcomeDead,
			At:   now,
			Err: &domain.DeadLetterError{
				Reason: fmt.Sprintf("missed: %s late, tolerance %s", now.Sub(ev.ScheduledTime).Round(time.Second), tr.Retry.Tolerance),
			},
		}, nil
	}

	req, err := d.builder.Build(c)
	if err != nil {
		return domain.Outcome{Kind: domain.OutcomePermanent, At: now, Err: &domain.PermanentDeliveryError{Err: err}}, nil
	}

	key := circuitbreaker.Key(req.URL)
	if d.breaker != nil {
		if err := d.breaker.Allow(key); err != nil {
			d.metrics.CircuitRejected()
			return d.retry(c, now, &domain.RetryableDeliveryError{Err: err}, nil), nil
		}
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.releaseBreaker(key)
			return d.retry(c, now, &domain.RetryableDeliveryError{Err: fmt.Errorf("rate limit: %w", err)}, nil), nil
		}
	}

	// The event may have been requeued and claimed elsewhere while this
	// worker waited. Renewing also restarts the staleness clock for the send.
	if err := d.store.RenewClaim(ctx, ev.ID, ev.ClaimToken, d.clock().UTC()); err != nil {
		d.releaseBreaker(key)
		if errors.Is(err, domain.ErrTransitionDenied) || errors.Is(err, domain.ErrNotFound) {
			return domain.Outcome{}, err
		}
		return d.retry(c, now, &domain.RetryableDeliveryError{Err: fmt.Errorf("renew claim: %w", err)}, nil), nil
	}

	number := ev.AttemptCount + 1
	started := d.clock().UTC()
	result := d.sender.Send(ctx, req)
	finished := d.clock().UTC()

	d.metrics.DeliveryAttemptCompleted(number, metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
	if d.breaker != nil {
		if result.HostFailed() {
			d.breaker.RecordFailure(key)
		} else {
			d.breaker.RecordSuccess(key)
		}
	}

	attempt := &domain.DeliveryAttempt{
		ID:           uuid.New(),
		EventID:      ev.ID,
		Attempt:      number,
		StatusCode:   result.StatusCode,
		ResponseBody: result.Body,
		StartedAt:    started,
		FinishedAt:   finished,
	}
	if result.Error != nil {
		attempt.Error = result.Error.Error()
	}

	switch {
	case result.IsSuccess():
		return domain.Outcome{Kind: domain.OutcomeDelivered, At: finished, Attempt: attempt}, nil
	case result.IsRetryable():
		return d.retry(c, finished, &domain.RetryableDeliveryError{StatusCode: result.StatusCode, Err: result.Error}, attempt), nil
	default:
		return domain.Outcome{
			Kind:    domain.OutcomePermanent,
			At:      finished,
			Err:     &domain.PermanentDeliveryError{StatusCode: result.StatusCode, Err: result.Error},
			Attempt: attempt,
		}, nil
	}
}

// retry schedules the next attempt with exponential backoff, or dead-letters
// the event once the attempt ceiling is reached.
func (d *Dispatcher) releaseBreaker(key string) {
	if d.breaker != nil {
		d.breaker.Release(key)
	}
}

func (d *Dispatcher) retry(c domain.ClaimedEvent, now time.Time, cause error, attempt *domain.DeliveryAttempt) domain.Outcome {
	attempts := c.Event.AttemptCount
	if attempt != nil {
		attempts++
	}

	maxAttempts := c.Trigger.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt != nil && attempts >= maxAttempts {
		return domain.Outcome{
			Kind:    domain.OutcomeDead,
			At:      now,
			Err:     &domain.DeadLetterError{Attempts: attempts, Reason: "retries exhausted", Last: cause},
			Attempt: attempt,
		}
	}

	return domain.Outcome{
		Kind:          domain.OutcomeRetryable,
		At:            now,
		NextAttemptAt: now.Add(c.Trigger.Retry.Backoff(attempts, d.config.MaxBackoff)),
		Err:           cause,
		Attempt:       attempt,
	}
}

func (d *Dispatcher) report(ctx context.Context, log zerolog.Logger, c domain.ClaimedEvent, o domain.Outcome) {
	var label string
	switch o.Kind {
	case domain.OutcomeDelivered:
		label = metrics.OutcomeDelivered
		d.metrics.DeliveryLatencyObserve(o.At.Sub(c.Event.ScheduledTime))
		log.Info().Int("attempt", o.Attempt.Attempt).Int("status", o.Attempt.StatusCode).Msg("event delivered")
	case domain.OutcomeRetryable:
		label = metrics.OutcomeRetryable
		log.Warn().Err(o.Err).Time("next_attempt_at", o.NextAttemptAt).Msg("delivery failed, will retry")
	case domain.OutcomePermanent:
		label = metrics.OutcomePermanent
		log.Warn().Err(o.Err).Msg("delivery rejected")
	case domain.OutcomeDead:
		label = metrics.OutcomeDead
		d.metrics.DeadLetter()
		log.Error().Err(o.Err).Msg("dead letter")
	}
	d.metrics.DeliveryOutcome(label)

	if d.analytics != nil {
		if err := d.analytics.Record(ctx, c.Trigger.Name, label, o.At); err != nil {
			log.Debug().Err(err).Msg("analytics write failed")
		}
	}
}
