// Package materializer expands cron triggers into pending scheduled events
// over a bounded look-ahead horizon.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/triggerd/internal/cron"
	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/logging"
	"github.com/djlord-it/triggerd/internal/metrics"
)

// MaxOccurrencesPerTick bounds how many instants a single trigger may expand
// in one pass, so a very fine-grained schedule cannot stall a tick.
const MaxOccurrencesPerTick = 10000

type Store interface {
	ListCronTriggers(ctx context.Context) ([]domain.CronTriggerState, error)
	InsertEventsIfAbsent(ctx context.Context, triggerName string, times []time.Time) (int, error)
}

type CronParser interface {
	Parse(expression string) (cron.Schedule, error)
}

// Notifier is woken whenever new events were inserted.
type Notifier interface {
	Notify()
}

type Config struct {
	TickInterval  time.Duration
	HorizonCount  int           // occurrences kept ahead of now
	HorizonWindow time.Duration // upper bound on how far ahead events are created
}

type Materializer struct {
	config   Config
	store    Store
	parser   CronParser
	notifier Notifier
	metrics  metrics.Sink
	clock    func() time.Time
	logger   zerolog.Logger
}

func New(config Config, store Store, parser CronParser) *Materializer {
	return &Materializer{
		config:  config,
		store:   store,
		parser:  parser,
		metrics: metrics.NewNoopSink(),
		clock:   time.Now,
		logger:  logging.Component("materializer"),
	}
}

func (m *Materializer) WithNotifier(n Notifier) *Materializer {
	m.notifier = n
	return m
}

func (m *Materializer) WithMetrics(sink metrics.Sink) *Materializer {
	if sink != nil {
		m.metrics = sink
	}
	return m
}

func (m *Materializer) WithClock(clock func() time.Time) *Materializer {
	m.clock = clock
	return m
}

func (m *Materializer) WithLogger(logger zerolog.Logger) *Materializer {
	m.logger = logger
	return m
}

// Run materializes once immediately, then on every tick until ctx is cancelled.
func (m *Materializer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("tick", m.config.TickInterval).
		Int("horizon_count", m.config.HorizonCount).
		Dur("horizon_window", m.config.HorizonWindow).
		Msg("started")

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Materializer) tick(ctx context.Context) {
	if _, err := m.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error().Err(err).Msg("tick failed")
	}
}

// Tick runs one materialization pass over every cron trigger and returns the
// number of events inserted. Per-trigger failures are logged and skipped.
func (m *Materializer) Tick(ctx context.Context) (int, error) {
	start := m.clock()
	m.metrics.TickStarted()
	now := start.UTC()

	triggers, err := m.store.ListCronTriggers(ctx)
	if err != nil {
		err = fmt.Errorf("list cron triggers: %w", err)
		m.metrics.TickCompleted(time.Since(start), 0, err)
		return 0, err
	}

	total := 0
	for _, state := range triggers {
		if ctx.Err() != nil {
			break
		}
		n, err := m.MaterializeTrigger(ctx, state, now)
		if err != nil {
			m.metrics.TriggerMaterializeFailed()
			m.logger.Error().Err(err).Str("trigger", state.Trigger.Name).Msg("materialize failed")
			continue
		}
		total += n
	}

	if total > 0 {
		m.logger.Debug().Int("inserted", total).Int("triggers", len(triggers)).Msg("tick complete")
		if m.notifier != nil {
			m.notifier.Notify()
		}
	}
	m.metrics.TickCompleted(time.Since(start), total, nil)
	return total, nil
}

// MaterializeTrigger inserts the occurrences of one cron trigger that fall in
// (start, horizon], where start is the latest of the last materialized instant
// (or the trigger's creation), and now minus the trigger's tolerance.
func (m *Materializer) MaterializeTrigger(ctx context.Context, state domain.CronTriggerState, now time.Time) (int, error) {
	trigger := state.Trigger
	if trigger.Kind != domain.TriggerKindCron {
		return 0, fmt.Errorf("trigger %s is not a cron trigger", trigger.Name)
	}

	sched, err := m.parser.Parse(trigger.CronExpression)
	if err != nil {
		return 0, fmt.Errorf("parse cron: %w", err)
	}

	now = now.UTC()
	from := Window(trigger, state.LastScheduledTime, now)
	horizon := m.horizon(sched, now)

	seq := cron.NewSequence(sched, from)
	var times []time.Time
	for len(times) < MaxOccurrencesPerTick {
		t, ok := seq.Next()
		if !ok || t.After(horizon) {
			break
		}
		times = append(times, t)
	}
	if len(times) == 0 {
		return 0, nil
	}

	inserted, err := m.store.InsertEventsIfAbsent(ctx, trigger.Name, times)
	if err != nil {
		return 0, fmt.Errorf("insert events: %w", err)
	}
	if inserted > 0 {
		m.logger.Debug().
			Str("trigger", trigger.Name).
			Int("inserted", inserted).
			Time("first", times[0]).
			Time("last", times[len(times)-1]).
			Msg("events materialized")
	}
	return inserted, nil
}

// Window returns the exclusive lower bound for materializing a trigger. Events
// are never created before the trigger existed, and never more than its
// tolerance in the past.
func Window(trigger domain.Trigger, last *time.Time, now time.Time) time.Time {
	from := trigger.CreatedAt.UTC()
	if last != nil && last.After(from) {
		from = last.UTC()
	}
	if floor := now.Add(-trigger.Retry.Tolerance); from.Before(floor) {
		from = floor
	}
	return from
}

// horizon is the earlier of the HorizonCount-th occurrence after now and now+HorizonWindow.
func (m *Materializer) horizon(sched cron.Schedule, now time.Time) time.Time {
	end := now.Add(m.config.HorizonWindow)
	if m.config.HorizonCount <= 0 {
		return end
	}
	ahead := cron.Take(cron.NewSequence(sched, now), m.config.HorizonCount)
	if len(ahead) == m.config.HorizonCount {
		if nth := ahead[len(ahead)-1]; nth.Before(end) {
			end = nth
		}
	}
	return end
}
