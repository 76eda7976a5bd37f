package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                              {}
func (n *NoopSink) TickCompleted(duration time.Duration, eventsMaterialized int, err error)   {}
func (n *NoopSink) TriggerMaterializeFailed()                                                 {}
func (n *NoopSink) ClaimBatch(size int)                                                       {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) DeliveryLatencyObserve(latency time.Duration)                              {}
func (n *NoopSink) DeadLetter()                                                               {}
func (n *NoopSink) CircuitRejected()                                                          {}
func (n *NoopSink) EventsInFlightIncr()                                                       {}
func (n *NoopSink) EventsInFlightDecr()                                                       {}
func (n *NoopSink) StaleClaimsRequeued(count int)                                             {}
func (n *NoopSink) EventStatusCounts(counts map[string]int)                                   {}

var _ Sink = (*NoopSink)(nil)
