// Package admin implements trigger management: validation, persistence and
// the immediate scheduling of a new trigger's first events.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/logging"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrAnalyticsDisabled is returned by Stats when no analytics backend is configured.
var ErrAnalyticsDisabled = errors.New("analytics not configured")

type Store interface {
	CreateTrigger(ctx context.Context, trigger domain.Trigger) error
	// DeleteTrigger returns the number of events removed with the trigger.
	DeleteTrigger(ctx context.Context, name string, retainHistory bool) (int, error)
	GetTrigger(ctx context.Context, name string) (domain.Trigger, error)
	ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
	CountEvents(ctx context.Context, triggerName string) (int, error)
	ListAttempts(ctx context.Context, eventID uuid.UUID) ([]domain.DeliveryAttempt, error)
}

type Validator interface {
	Validate(expression string) error
}

// Materializer expands a single cron trigger. Satisfied by *materializer.Materializer.
type Materializer interface {
	MaterializeTrigger(ctx context.Context, state domain.CronTriggerState, now time.Time) (int, error)
}

type Notifier interface {
	Notify()
}

// Analytics is the optional per-trigger outcome counter backend.
type Analytics interface {
	Totals(ctx context.Context, triggerName string) (map[string]int64, error)
	Forget(ctx context.Context, triggerName string) error
}

type Config struct {
	DefaultRetry  domain.RetryConfig
	RetainHistory bool // keep settled events when a trigger is deleted
}

type Service struct {
	config       Config
	store        Store
	parser       Validator
	materializer Materializer // optional
	notifier     Notifier     // optional
	analytics    Analytics    // optional
	clock        func() time.Time
	logger       zerolog.Logger
}

func NewService(config Config, store Store, parser Validator) *Service {
	return &Service{
		config: config,
		store:  store,
		parser: parser,
		clock:  time.Now,
		logger: logging.Component("admin"),
	}
}

func (s *Service) WithMaterializer(m Materializer) *Service {
	s.materializer = m
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithAnalytics(a Analytics) *Service {
	s.analytics = a
	return s
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) WithLogger(logger zerolog.Logger) *Service {
	s.logger = logger
	return s
}

// Validate checks a request without persisting anything.
func (s *Service) Validate(req CreateTriggerRequest) (domain.Trigger, error) {
	return s.buildTrigger(req)
}

// CreateTrigger validates and persists a trigger. Adhoc triggers get their
// single event in the same write; cron triggers have their initial horizon
// materialized before this returns, so both are immediately visible.
func (s *Service) CreateTrigger(ctx context.Context, req CreateTriggerRequest) (domain.Trigger, error) {
	trigger, err := s.buildTrigger(req)
	if err != nil {
		return domain.Trigger{}, err
	}

	now := s.clock().UTC()
	trigger.ID = uuid.New()
	trigger.CreatedAt = now

	if err := s.store.CreateTrigger(ctx, trigger); err != nil {
		return domain.Trigger{}, err
	}

	log := s.logger.With().Str("trigger", trigger.Name).Str("kind", string(trigger.Kind)).Logger()

	if trigger.Kind == domain.TriggerKindCron && s.materializer != nil {
		n, err := s.materializer.MaterializeTrigger(ctx, domain.CronTriggerState{Trigger: trigger}, now)
		if err != nil {
			// The trigger exists; the next materializer tick fills the horizon.
			log.Warn().Err(err).Msg("initial materialization failed")
		} else {
			log.Debug().Int("events", n).Msg("initial horizon materialized")
		}
	}

	if s.notifier != nil {
		s.notifier.Notify()
	}
	log.Info().Msg("trigger created")
	return trigger, nil
}

// DeleteTrigger removes a trigger and its pending events according to the
// configured history policy. It returns the number of events removed.
func (s *Service) DeleteTrigger(ctx context.Context, name string) (int, error) {
	removed, err := s.store.DeleteTrigger(ctx, name, s.config.RetainHistory)
	if err != nil {
		return 0, err
	}

	if !s.config.RetainHistory && s.analytics != nil {
		if err := s.analytics.Forget(ctx, name); err != nil {
			s.logger.Debug().Err(err).Str("trigger", name).Msg("forget analytics failed")
		}
	}

	s.logger.Info().
		Str("trigger", name).
		Int("events_removed", removed).
		Bool("history_retained", s.config.RetainHistory).
		Msg("trigger deleted")
	return removed, nil
}

func (s *Service) GetTrigger(ctx context.Context, name string) (domain.Trigger, error) {
	return s.store.GetTrigger(ctx, name)
}

func (s *Service) ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	limit, offset = NormalizePage(limit, offset)
	return s.store.ListTriggers(ctx, limit, offset)
}

// ListEvents returns event history. History of deleted triggers remains
// listable when it was retained.
func (s *Service) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "unknown event status %q", filter.Status)
	}
	filter.Limit, filter.Offset = NormalizePage(filter.Limit, filter.Offset)
	return s.store.ListEvents(ctx, filter)
}

func (s *Service) CountEvents(ctx context.Context, triggerName string) (int, error) {
	return s.store.CountEvents(ctx, triggerName)
}

func (s *Service) ListAttempts(ctx context.Context, eventID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	return s.store.ListAttempts(ctx, eventID)
}

// Stats returns lifetime delivery outcome counts for a trigger.
func (s *Service) Stats(ctx context.Context, name string) (map[string]int64, error) {
	if s.analytics == nil {
		return nil, ErrAnalyticsDisabled
	}
	if _, err := s.store.GetTrigger(ctx, name); err != nil {
		return nil, err
	}
	totals, err := s.analytics.Totals(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("analytics totals: %w", err)
	}
	return totals, nil
}

// NormalizePage applies DefaultLimit and MaxLimit and clamps offset at zero.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
