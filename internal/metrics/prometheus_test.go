package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scrape gathers the registry into families keyed by metric name.
func scrape(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

// series returns the sample of family name whose labels equal labels.
func series(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mf, ok := scrape(t, reg)[name]
	if !ok {
		return nil
	}
	for _, m := range mf.GetMetric() {
		got := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			got[lp.GetName()] = lp.GetValue()
		}
		if len(got) == len(labels) && (len(labels) == 0 || assert.ObjectsAreEqual(labels, got)) {
			return m
		}
	}
	return nil
}

func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	m := series(t, reg, name, labels)
	if m == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	m := series(t, reg, name, nil)
	if m == nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func newRegisteredSink() (*PrometheusSink, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg), reg
}

func TestPrometheusSink_MaterializerTicks(t *testing.T) {
	sink, reg := newRegisteredSink()

	sink.TickStarted()
	sink.TickCompleted(20*time.Millisecond, 7, nil)
	sink.TickStarted()
	sink.TickCompleted(30*time.Millisecond, 0, errors.New("list cron triggers: connection reset"))
	sink.TriggerMaterializeFailed()

	assert.Equal(t, 2.0, counter(t, reg, "triggerd_materializer_ticks_total", nil))
	assert.Equal(t, 7.0, counter(t, reg, "triggerd_materializer_events_total", nil))
	assert.Equal(t, 1.0, counter(t, reg, "triggerd_materializer_tick_errors_total", nil))
	assert.Equal(t, 1.0, counter(t, reg, "triggerd_materializer_trigger_errors_total", nil))
	assert.EqualValues(t, 2, histogramCount(t, reg, "triggerd_materializer_tick_duration_seconds"))
}

func TestPrometheusSink_DeliveryAttemptsByAttemptAndClass(t *testing.T) {
	sink, reg := newRegisteredSink()

	sink.DeliveryAttemptCompleted(1, StatusClass5xx, 80*time.Millisecond)
	sink.DeliveryAttemptCompleted(2, StatusClass5xx, 90*time.Millisecond)
	sink.DeliveryAttemptCompleted(3, StatusClass2xx, 40*time.Millisecond)
	sink.DeliveryAttemptCompleted(1, StatusClassTimeout, time.Second)

	name := "triggerd_dispatcher_delivery_attempts_total"
	assert.Equal(t, 1.0, counter(t, reg, name, map[string]string{"attempt": "1", "status_class": "5xx"}))
	assert.Equal(t, 1.0, counter(t, reg, name, map[string]string{"attempt": "2", "status_class": "5xx"}))
	assert.Equal(t, 1.0, counter(t, reg, name, map[string]string{"attempt": "3", "status_class": "2xx"}))
	assert.Equal(t, 1.0, counter(t, reg, name, map[string]string{"attempt": "1", "status_class": "timeout"}))
	assert.EqualValues(t, 4, histogramCount(t, reg, "triggerd_dispatcher_webhook_duration_seconds"))
}

func TestPrometheusSink_Outcomes(t *testing.T) {
	sink, reg := newRegisteredSink()

	for _, o := range []string{OutcomeRetryable, OutcomeRetryable, OutcomeDelivered, OutcomeDead} {
		sink.DeliveryOutcome(o)
	}
	sink.DeadLetter()
	sink.CircuitRejected()

	name := "triggerd_dispatcher_delivery_outcomes_total"
	assert.Equal(t, 2.0, counter(t, reg, name, map[string]string{"outcome": OutcomeRetryable}))
	assert.Equal(t, 1.0, counter(t, reg, name, map[string]string{"outcome": OutcomeDelivered}))
	assert.Equal(t, 1.0, counter(t, reg, name, map[string]string{"outcome": OutcomeDead}))
	assert.Equal(t, 1.0, counter(t, reg, "triggerd_dispatcher_dead_letters_total", nil))
	assert.Equal(t, 1.0, counter(t, reg, "triggerd_dispatcher_circuit_rejected_total", nil))
}

func TestPrometheusSink_ClaimBatchSkipsEmptyPolls(t *testing.T) {
	sink, reg := newRegisteredSink()

	sink.ClaimBatch(0)
	sink.ClaimBatch(12)
	sink.ClaimBatch(0)

	assert.EqualValues(t, 1, histogramCount(t, reg, "triggerd_dispatcher_claim_batch_size"))
}

// A clock skew between scheduler and dispatcher must not record negative latency.
func TestPrometheusSink_LatencyClampsNegative(t *testing.T) {
	sink, reg := newRegisteredSink()

	sink.DeliveryLatencyObserve(-3 * time.Second)

	m := series(t, reg, "triggerd_dispatcher_delivery_latency_seconds", nil)
	require.NotNil(t, m)
	assert.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
	assert.Zero(t, m.GetHistogram().GetSampleSum())
}

func TestPrometheusSink_InFlightGauge(t *testing.T) {
	sink, reg := newRegisteredSink()

	for i := 0; i < 3; i++ {
		sink.EventsInFlightIncr()
	}
	sink.EventsInFlightDecr()

	m := series(t, reg, "triggerd_dispatcher_events_in_flight", nil)
	require.NotNil(t, m)
	assert.Equal(t, 2.0, m.GetGauge().GetValue())
}

func TestPrometheusSink_ReconcilerGauges(t *testing.T) {
	sink, reg := newRegisteredSink()

	sink.StaleClaimsRequeued(0)
	sink.StaleClaimsRequeued(4)
	assert.Equal(t, 4.0, counter(t, reg, "triggerd_reconciler_stale_claims_requeued_total", nil))

	sink.EventStatusCounts(map[string]int{"pending": 9, "in_flight": 2, "dead": 1})
	sink.EventStatusCounts(map[string]int{"pending": 3, "in_flight": 1})

	pending := series(t, reg, "triggerd_events", map[string]string{"status": "pending"})
	require.NotNil(t, pending)
	assert.Equal(t, 3.0, pending.GetGauge().GetValue())
	assert.Nil(t, series(t, reg, "triggerd_events", map[string]string{"status": "dead"}), "statuses missing from a refresh are dropped")
}

// Registering twice against one registry logs and keeps going.
func TestPrometheusSink_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewPrometheusSink(reg)
	require.NotPanics(t, func() { NewPrometheusSink(reg).TickStarted() })

	first.TickStarted()
	assert.Equal(t, 1.0, counter(t, reg, "triggerd_materializer_ticks_total", nil))
}
