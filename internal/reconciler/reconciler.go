// Package reconciler returns stale in-flight events to pending.
//
// An event is stale when it has been in_flight longer than the threshold,
// which happens when the dispatcher holding the claim crashed or was killed
// mid-delivery. Requeued events are delivered again by any dispatcher; an
// outcome from the original claimer is rejected by the claim-token guard.
//
// The reconciler also refreshes the per-status event gauges.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/logging"
	"github.com/djlord-it/triggerd/internal/metrics"
)

// Store defines the reconciler's view of event storage.
type Store interface {
	RequeueStaleClaims(ctx context.Context, olderThan time.Time, limit int) (int, error)
	CountEventsByStatus(ctx context.Context) (map[domain.EventStatus]int, error)
}

// Notifier is woken after events were requeued.
type Notifier interface {
	Notify()
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 1 minute.
	Interval time.Duration

	// Threshold is the age after which an in_flight claim is considered stale.
	// It must exceed the longest webhook timeout.
	// Default: 15 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of events requeued per cycle.
	// Default: 500.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Threshold: 15 * time.Minute,
		BatchSize: 500,
	}
}

// Reconciler requeues stale claims.
type Reconciler struct {
	config   Config
	store    Store
	notifier Notifier
	metrics  metrics.Sink
	clock    func() time.Time
	logger   zerolog.Logger
}

// New creates a new Reconciler.
func New(config Config, store Store) *Reconciler {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = defaults.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	return &Reconciler{
		config:  config,
		store:   store,
		metrics: metrics.NewNoopSink(),
		clock:   time.Now,
		logger:  logging.Component("reconciler"),
	}
}

func (r *Reconciler) WithNotifier(n Notifier) *Reconciler {
	r.notifier = n
	return r
}

func (r *Reconciler) WithMetrics(sink metrics.Sink) *Reconciler {
	if sink != nil {
		r.metrics = sink
	}
	return r
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

func (r *Reconciler) WithLogger(logger zerolog.Logger) *Reconciler {
	r.logger = logger
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.config.Interval).
		Dur("threshold", r.config.Threshold).
		Int("batch", r.config.BatchSize).
		Msg("started")

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("stopped")
			return ctx.Err()
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle and returns the number of
// events requeued.
func (r *Reconciler) RunCycle(ctx context.Context) int {
	olderThan := r.clock().UTC().Add(-r.config.Threshold)

	requeued, err := r.store.RequeueStaleClaims(ctx, olderThan, r.config.BatchSize)
	if err != nil {
		// DB error: log and carry on. Will retry next interval.
		r.logger.Error().Err(err).Msg("requeue stale claims failed")
	} else if requeued > 0 {
		r.metrics.StaleClaimsRequeued(requeued)
		r.logger.Warn().
			Int("requeued", requeued).
			Time("claimed_before", olderThan).
			Msg("requeued stale in-flight events")
		if r.notifier != nil {
			r.notifier.Notify()
		}
	}

	r.refreshGauges(ctx)
	return requeued
}

func (r *Reconciler) refreshGauges(ctx context.Context) {
	counts, err := r.store.CountEventsByStatus(ctx)
	if err != nil {
		r.logger.Debug().Err(err).Msg("count events by status failed")
		return
	}
	labels := make(map[string]int, len(counts))
	for status, n := range counts {
		labels[string(status)] = n
	}
	r.metrics.EventStatusCounts(labels)
}
