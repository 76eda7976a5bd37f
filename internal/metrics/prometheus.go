package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Materializer metrics
	ticksTotal              prometheus.Counter
	tickErrorsTotal         prometheus.Counter
	eventsMaterializedTotal prometheus.Counter
	triggerErrorsTotal      prometheus.Counter
	tickDuration            prometheus.Histogram

	// Dispatcher metrics
	claimBatchSize        prometheus.Histogram
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	deliveryLatency       prometheus.Histogram
	deadLettersTotal      prometheus.Counter
	circuitRejectedTotal  prometheus.Counter
	eventsInFlight        prometheus.Gauge

	// Reconciler metrics
	staleClaimsTotal prometheus.Counter
	eventsByStatus   *prometheus.GaugeVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initMaterializerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initMaterializerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "triggerd_materializer_ticks_total",
		Help: "Total number of materializer ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "triggerd_materializer_tick_errors_total",
		Help: "Total number of materializer ticks that failed to list triggers.",
	})
	s.eventsMaterializedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "triggerd_materializer_events_total",
		Help: "Total number of scheduled events inserted by the materializer.",
	})
	s.triggerErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "triggerd_materializer_trigger_errors_total",
		Help: "Total number of per-trigger materialization failures.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "triggerd_materializer_tick_duration_seconds",
		Help:    "Duration of each materializer tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	s.register(reg, s.ticksTotal, "triggerd_materializer_ticks_total")
	s.register(reg, s.tickErrorsTotal, "triggerd_materializer_tick_errors_total")
	s.register(reg, s.eventsMaterializedTotal, "triggerd_materializer_events_total")
	s.register(reg, s.triggerErrorsTotal, "triggerd_materializer_trigger_errors_total")
	s.register(reg, s.tickDuration, "triggerd_materializer_tick_duration_seconds")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.claimBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "triggerd_dispatcher_claim_batch_size",
		Help:    "Number of events claimed per non-empty poll.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triggerd_dispatcher_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triggerd_dispatcher_delivery_outcomes_total",
		Help: "Total number of recorded delivery outcomes.",
	}, []string{"outcome"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "triggerd_dispatcher_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.deliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "triggerd_dispatcher_delivery_latency_seconds",
		Help:    "Time between an event's scheduled time and its successful delivery.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900},
	})
	s.deadLettersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "triggerd_dispatcher_dead_letters_total",
		Help: "Total number of events marked dead.",
	})
	s.circuitRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "triggerd_dispatcher_circuit_rejected_total",
		Help: "Total number of dispatches skipped by an open circuit breaker.",
	})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "triggerd_dispatcher_events_in_flight",
		Help: "Number of events currently being delivered.",
	})

	s.register(reg, s.claimBatchSize, "triggerd_dispatcher_claim_batch_size")
	s.register(reg, s.deliveryAttemptsTotal, "triggerd_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "triggerd_dispatcher_delivery_outcomes_total")
	s.register(reg, s.webhookDuration, "triggerd_dispatcher_webhook_duration_seconds")
	s.register(reg, s.deliveryLatency, "triggerd_dispatcher_delivery_latency_seconds")
	s.register(reg, s.deadLettersTotal, "triggerd_dispatcher_dead_letters_total")
	s.register(reg, s.circuitRejectedTotal, "triggerd_dispatcher_circuit_rejected_total")
	s.register(reg, s.eventsInFlight, "triggerd_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.staleClaimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "triggerd_reconciler_stale_claims_requeued_total",
		Help: "Total number of stale in-flight claims returned to pending.",
	})
	s.eventsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triggerd_events",
		Help: "Number of scheduled events by status.",
	}, []string{"status"})

	s.register(reg, s.staleClaimsTotal, "triggerd_reconciler_stale_claims_requeued_total")
	s.register(reg, s.eventsByStatus, "triggerd_events")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("component", "metrics").Str("metric", name).Msg("failed to register collector")
	}
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, eventsMaterialized int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.eventsMaterializedTotal.Add(float64(eventsMaterialized))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TriggerMaterializeFailed() {
	s.triggerErrorsTotal.Inc()
}

func (s *PrometheusSink) ClaimBatch(size int) {
	if size > 0 {
		s.claimBatchSize.Observe(float64(size))
	}
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) DeliveryLatencyObserve(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	s.deliveryLatency.Observe(latency.Seconds())
}

func (s *PrometheusSink) DeadLetter() {
	s.deadLettersTotal.Inc()
}

func (s *PrometheusSink) CircuitRejected() {
	s.circuitRejectedTotal.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) StaleClaimsRequeued(count int) {
	s.staleClaimsTotal.Add(float64(count))
}

// EventStatusCounts replaces the per-status gauges. Statuses absent from
// counts are reset to zero.
func (s *PrometheusSink) EventStatusCounts(counts map[string]int) {
	s.eventsByStatus.Reset()
	for status, n := range counts {
		s.eventsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

var _ Sink = (*PrometheusSink)(nil)
