package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/triggerd/internal/circuitbreaker"
	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/testutil"
)

var baseTime = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// mockStore models the claim protocol: a trigger yields at most its earliest
// due event and nothing while one is in flight, and only the current claim
// token may renew or record an outcome for an in_flight event.
type mockStore struct {
	mu       sync.Mutex
	triggers map[string]domain.Trigger
	events   map[uuid.UUID]*domain.Event
	outcomes []domain.Outcome
	claimErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		triggers: make(map[string]domain.Trigger),
		events:   make(map[uuid.UUID]*domain.Event),
	}
}

func (s *mockStore) addEvent(trigger domain.Trigger, at time.Time) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[trigger.Name] = trigger
	id := uuid.New()
	s.events[id] = &domain.Event{
		ID:            id,
		TriggerName:   trigger.Name,
		ScheduledTime: at,
		Status:        domain.EventStatusPending,
		NextAttemptAt: at,
	}
	return id
}

func (s *mockStore) ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]domain.ClaimedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	busy := make(map[string]bool)
	for _, e := range s.events {
		if e.Status == domain.EventStatusInFlight {
			busy[e.TriggerName] = true
		}
	}
	earliest := make(map[string]*domain.Event)
	for _, e := range s.events {
		if e.Status != domain.EventStatusPending || e.NextAttemptAt.After(now) || busy[e.TriggerName] {
			continue
		}
		if cur, ok := earliest[e.TriggerName]; !ok || e.ScheduledTime.Before(cur.ScheduledTime) {
			earliest[e.TriggerName] = e
		}
	}
	due := make([]*domain.Event, 0, len(earliest))
	for _, e := range earliest {
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledTime.Before(due[j].ScheduledTime) })
	if len(due) > limit {
		due = due[:limit]
	}

	token := uuid.New()
	out := make([]domain.ClaimedEvent, 0, len(due))
	for _, e := range due {
		e.Status = domain.EventStatusInFlight
		e.ClaimToken = token
		claimedAt := now
		e.ClaimedAt = &claimedAt
		out = append(out, domain.ClaimedEvent{Event: *e, Trigger: s.triggers[e.TriggerName]})
	}
	return out, nil
}

func (s *mockStore) RenewClaim(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	if e.Status != domain.EventStatusInFlight || e.ClaimToken != token {
		return domain.ErrTransitionDenied
	}
	claimedAt := now
	e.ClaimedAt = &claimedAt
	return nil
}

func (s *mockStore) RecordOutcome(ctx context.Context, id uuid.UUID, o domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	if e.Status != domain.EventStatusInFlight || e.ClaimToken != o.ClaimToken {
		return domain.ErrTransitionDenied
	}
	e.Status = o.Status()
	e.ClaimToken = uuid.Nil
	e.LastError = o.ErrorText()
	if o.Attempt != nil {
		e.AttemptCount++
	}
	if o.Kind == domain.OutcomeRetryable {
		e.NextAttemptAt = o.NextAttemptAt
	}
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *mockStore) event(id uuid.UUID) domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[id]
}

func (s *mockStore) requeue(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = domain.EventStatusPending
	s.events[id].ClaimToken = uuid.Nil
}

// mockSender returns scripted results and records requests.
type mockSender struct {
	mu       sync.Mutex
	results  []WebhookResult
	requests []WebhookRequest
}

func (s *mockSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if i := len(s.requests) - 1; i < len(s.results) {
		return s.results[i]
	}
	return WebhookResult{StatusCode: 200, Duration: 10 * time.Millisecond}
}

func (s *mockSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type senderFunc func(ctx context.Context, req WebhookRequest) WebhookResult

func (f senderFunc) Send(ctx context.Context, req WebhookRequest) WebhookResult { return f(ctx, req) }

type limiterFunc func(ctx context.Context) error

func (f limiterFunc) Wait(ctx context.Context) error { return f(ctx) }

func newTestDispatcher(store Store, sender WebhookSender, clock *testutil.FakeClock) *Dispatcher {
	builder := NewRequestBuilder("triggerd/test")
	builder.Lookup = func(string) (string, bool) { return "", false }
	return New(Config{Workers: 1, BatchSize: 10, PollInterval: 10 * time.Millisecond, MaxBackoff: time.Hour},
		store, sender, builder).WithClock(clock.Now)
}

func hookTrigger(name string) domain.Trigger {
	return testutil.CronTrigger(name, "* * * * *", "http://hooks.example.com/"+name, baseTime.Add(-time.Hour))
}

func TestDispatcher_DeliveredOnSuccess(t *testing.T) {
	store := newMockStore()
	id := store.addEvent(hookTrigger("ok"), baseTime)
	sender := &mockSender{}
	d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime.Add(time.Second)))

	n, err := d.PollOnce(testutil.TestContext(t))
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("claimed %d, want 1", n)
	}

	ev := store.event(id)
	if ev.Status != domain.EventStatusDelivered {
		t.Errorf("status = %s, want delivered", ev.Status)
	}
	if ev.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", ev.AttemptCount)
	}

	// A second poll finds nothing: a delivered event is never re-sent.
	if n, _ := d.PollOnce(testutil.TestContext(t)); n != 0 {
		t.Errorf("second poll claimed %d, want 0", n)
	}
	if sender.callCount() != 1 {
		t.Errorf("sender called %d times, want 1", sender.callCount())
	}
}

func TestDispatcher_RetryableThenDelivered(t *testing.T) {
	store := newMockStore()
	trigger := hookTrigger("flaky")
	trigger.Retry.RetryInterval = 10 * time.Second
	id := store.addEvent(trigger, baseTime)
	sender := &mockSender{results: []WebhookResult{{StatusCode: 503}}}
	clock := testutil.NewFakeClock(baseTime)
	d := newTestDispatcher(store, sender, clock)
	ctx := testutil.TestContext(t)

	if _, err := d.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	ev := store.event(id)
	if ev.Status != domain.EventStatusPending {
		t.Fatalf("status = %s, want pending after retryable failure", ev.Status)
	}
	if want := baseTime.Add(10 * time.Second); !ev.NextAttemptAt.Equal(want) {
		t.Errorf("next_attempt_at = %s, want %s", ev.NextAttemptAt, want)
	}

	// Not due yet.
	if n, _ := d.PollOnce(ctx); n != 0 {
		t.Fatalf("claimed %d before backoff elapsed", n)
	}

	clock.Advance(10 * time.Second)
	if _, err := d.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	ev = store.event(id)
	if ev.Status != domain.EventStatusDelivered || ev.AttemptCount != 2 {
		t.Errorf("status=%s attempts=%d, want delivered after 2 attempts", ev.Status, ev.AttemptCount)
	}
}

func TestDispatcher_BackoffDoubles(t *testing.T) {
	store := newMockStore()
	trigger := hookTrigger("down")
	trigger.Retry.RetryInterval = 10 * time.Second
	trigger.Retry.MaxAttempts = 10
	id := store.addEvent(trigger, baseTime)
	sender := &mockSender{results: []WebhookResult{{StatusCode: 500}, {StatusCode: 500}, {StatusCode: 500}}}
	clock := testutil.NewFakeClock(baseTime)
	d := newTestDispatcher(store, sender, clock)
	ctx := testutil.TestContext(t)

	for _, want := range []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second} {
		if _, err := d.PollOnce(ctx); err != nil {
			t.Fatal(err)
		}
		ev := store.event(id)
		if got := ev.NextAttemptAt.Sub(clock.Now()); got != want {
			t.Errorf("backoff = %s, want %s", got, want)
		}
		clock.Set(ev.NextAttemptAt)
	}
}

func TestDispatcher_DeadAfterMaxAttempts(t *testing.T) {
	store := newMockStore()
	trigger := hookTrigger("dead")
	trigger.Retry.MaxAttempts = 3
	trigger.Retry.RetryInterval = time.Second
	id := store.addEvent(trigger, baseTime)
	sender := &mockSender{results: []WebhookResult{{StatusCode: 500}, {StatusCode: 502}, {StatusCode: 503}, {StatusCode: 200}}}
	clock := testutil.NewFakeClock(baseTime)
	d := newTestDispatcher(store, sender, clock)
	ctx := testutil.TestContext(t)

	for i := 0; i < 5; i++ {
		if _, err := d.PollOnce(ctx); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
	}

	ev := store.event(id)
	if ev.Status != domain.EventStatusDead {
		t.Fatalf("status = %s, want dead", ev.Status)
	}
	if ev.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", ev.AttemptCount)
	}
	if sender.callCount() != 3 {
		t.Errorf("sender called %d times, want 3", sender.callCount())
	}

	last := store.outcomes[len(store.outcomes)-1]
	var dle *domain.DeadLetterError
	if !errors.As(last.Err, &dle) || dle.Attempts != 3 {
		t.Errorf("last outcome error = %v, want DeadLetterError after 3 attempts", last.Err)
	}
}

func TestDispatcher_PermanentNotRetried(t *testing.T) {
	for _, code := range []int{400, 401, 404, 410, 422} {
		store := newMockStore()
		id := store.addEvent(hookTrigger("reject"), baseTime)
		sender := &mockSender{results: []WebhookResult{{StatusCode: code}}}
		d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime))

		if _, err := d.PollOnce(testutil.TestContext(t)); err != nil {
			t.Fatal(err)
		}
		if ev := store.event(id); ev.Status != domain.EventStatusError {
			t.Errorf("status %d: event status = %s, want error", code, ev.Status)
		}
	}
}

func TestDispatcher_RetryableStatusCodes(t *testing.T) {
	for _, code := range []int{408, 429, 500, 503} {
		store := newMockStore()
		id := store.addEvent(hookTrigger("retry"), baseTime)
		sender := &mockSender{results: []WebhookResult{{StatusCode: code}}}
		d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime))

		if _, err := d.PollOnce(testutil.TestContext(t)); err != nil {
			t.Fatal(err)
		}
		if ev := store.event(id); ev.Status != domain.EventStatusPending {
			t.Errorf("status %d: event status = %s, want pending", code, ev.Status)
		}
	}
}

func TestDispatcher_MissedBeyondTolerance(t *testing.T) {
	store := newMockStore()
	trigger := hookTrigger("late")
	trigger.Retry.Tolerance = time.Minute
	id := store.addEvent(trigger, baseTime)
	sender := &mockSender{}
	d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime.Add(2*time.Minute)))

	if _, err := d.PollOnce(testutil.TestContext(t)); err != nil {
		t.Fatal(err)
	}
	ev := store.event(id)
	if ev.Status != domain.EventStatusDead {
		t.Errorf("status = %s, want dead", ev.Status)
	}
	if ev.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0 (no call made)", ev.AttemptCount)
	}
	if sender.callCount() != 0 {
		t.Error("missed event must not be sent")
	}
}

func TestDispatcher_UnresolvedEnvIsPermanent(t *testing.T) {
	store := newMockStore()
	trigger := hookTrigger("env")
	trigger.Webhook = "{{MISSING_WEBHOOK_BASE}}/hook"
	id := store.addEvent(trigger, baseTime)
	sender := &mockSender{}
	d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime))

	if _, err := d.PollOnce(testutil.TestContext(t)); err != nil {
		t.Fatal(err)
	}
	ev := store.event(id)
	if ev.Status != domain.EventStatusError {
		t.Errorf("status = %s, want error", ev.Status)
	}
	if sender.callCount() != 0 {
		t.Error("no call should be made when the URL cannot be resolved")
	}
}

func TestDispatcher_CircuitOpenDefersWithoutCall(t *testing.T) {
	store := newMockStore()
	trigger := hookTrigger("breaker")
	id := store.addEvent(trigger, baseTime)
	sender := &mockSender{}
	breaker := circuitbreaker.New(1, time.Hour)
	breaker.RecordFailure(circuitbreaker.Key(trigger.Webhook))
	d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime)).WithBreaker(breaker)

	if _, err := d.PollOnce(testutil.TestContext(t)); err != nil {
		t.Fatal(err)
	}
	ev := store.event(id)
	if ev.Status != domain.EventStatusPending {
		t.Errorf("status = %s, want pending", ev.Status)
	}
	if ev.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", ev.AttemptCount)
	}
	if sender.callCount() != 0 {
		t.Error("open circuit must not call the webhook")
	}
}

func TestDispatcher_LostClaimIsIgnored(t *testing.T) {
	store := newMockStore()
	trigger := hookTrigger("stale")
	id := store.addEvent(trigger, baseTime)
	sender := &mockSender{}
	d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime))
	ctx := testutil.TestContext(t)

	claimed, err := store.ClaimDueEvents(ctx, baseTime, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	// The reconciler requeued the event and another claimer now holds it.
	store.requeue(id)
	if _, err := store.ClaimDueEvents(ctx, baseTime, 10); err != nil {
		t.Fatal(err)
	}

	if err := d.Dispatch(ctx, claimed[0]); err != nil {
		t.Fatalf("lost claim should not be an error: %v", err)
	}
	if sender.callCount() != 0 {
		t.Error("a lost claim must not reach the webhook")
	}
	if ev := store.event(id); ev.Status != domain.EventStatusInFlight {
		t.Errorf("status = %s, want in_flight (held by the new claim)", ev.Status)
	}
}

// The reconciler may requeue an event while its worker waits on the rate
// limiter; the new holder sends it, the original worker must not.
func TestDispatcher_ClaimLostWhileWaitingIsNotSent(t *testing.T) {
	store := newMockStore()
	id := store.addEvent(hookTrigger("slow"), baseTime)
	sender := &mockSender{}
	ctx := testutil.TestContext(t)

	var reclaimed []domain.ClaimedEvent
	limiter := limiterFunc(func(ctx context.Context) error {
		store.requeue(id)
		var err error
		reclaimed, err = store.ClaimDueEvents(ctx, baseTime, 10)
		return err
	})
	d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime)).WithLimiter(limiter)

	if _, err := d.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if sender.callCount() != 0 {
		t.Fatalf("sender called %d times by the stale holder, want 0", sender.callCount())
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed %d events, want 1", len(reclaimed))
	}

	d.WithLimiter(nil)
	if err := d.Dispatch(ctx, reclaimed[0]); err != nil {
		t.Fatal(err)
	}
	if sender.callCount() != 1 {
		t.Errorf("sender called %d times, want exactly 1", sender.callCount())
	}
	if ev := store.event(id); ev.Status != domain.EventStatusDelivered {
		t.Errorf("status = %s, want delivered by the new holder", ev.Status)
	}
}

// A half-open breaker lets one trial through; when the claim is lost before
// the send, the slot goes back and the next holder can still try the host.
func TestDispatcher_ClaimLostReleasesBreakerTrial(t *testing.T) {
	store := newMockStore()
	trigger := hookTrigger("trial")
	id := store.addEvent(trigger, baseTime)
	clock := testutil.NewFakeClock(baseTime)
	ctx := testutil.TestContext(t)

	key := circuitbreaker.Key(trigger.Webhook)
	breaker := circuitbreaker.New(1, time.Minute).WithClock(clock.Now)
	breaker.RecordFailure(key)
	clock.Advance(time.Minute)

	var reclaimed []domain.ClaimedEvent
	limiter := limiterFunc(func(ctx context.Context) error {
		store.requeue(id)
		var err error
		reclaimed, err = store.ClaimDueEvents(ctx, baseTime, 10)
		return err
	})
	sender := &mockSender{}
	d := newTestDispatcher(store, sender, clock).WithBreaker(breaker).WithLimiter(limiter)

	if _, err := d.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if sender.callCount() != 0 {
		t.Fatalf("sender called %d times by the stale holder, want 0", sender.callCount())
	}
	if got := breaker.State(key); got != circuitbreaker.StateOpen {
		t.Fatalf("breaker state = %s, want open with the trial returned", got)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed %d events, want 1", len(reclaimed))
	}

	d.WithLimiter(nil)
	if err := d.Dispatch(ctx, reclaimed[0]); err != nil {
		t.Fatal(err)
	}
	if sender.callCount() != 1 {
		t.Errorf("sender called %d times, want 1 trial request", sender.callCount())
	}
	if got := breaker.State(key); got != circuitbreaker.StateClosed {
		t.Errorf("breaker state = %s, want closed after a successful trial", got)
	}
}

// claimed_at is refreshed right before the send, so time spent waiting does
// not count against the reconciler's stale threshold.
func TestDispatcher_RenewsClaimBeforeSend(t *testing.T) {
	store := newMockStore()
	id := store.addEvent(hookTrigger("renew"), baseTime)
	clock := testutil.NewFakeClock(baseTime)
	ctx := testutil.TestContext(t)

	claimed, err := store.ClaimDueEvents(ctx, baseTime, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	clock.Advance(10 * time.Minute)

	var claimedAtSend time.Time
	sender := senderFunc(func(ctx context.Context, req WebhookRequest) WebhookResult {
		claimedAtSend = *store.event(id).ClaimedAt
		return WebhookResult{StatusCode: http.StatusOK}
	})
	d := newTestDispatcher(store, sender, clock)

	if err := d.Dispatch(ctx, claimed[0]); err != nil {
		t.Fatal(err)
	}
	if !claimedAtSend.Equal(clock.Now()) {
		t.Errorf("claimed_at at send = %s, want %s", claimedAtSend, clock.Now())
	}
}

// A claim lost during the send cannot be undone; its outcome is discarded.
func TestDispatcher_OutcomeDiscardedWhenClaimLostDuringSend(t *testing.T) {
	store := newMockStore()
	id := store.addEvent(hookTrigger("during"), baseTime)
	sender := senderFunc(func(ctx context.Context, req WebhookRequest) WebhookResult {
		store.requeue(id)
		return WebhookResult{StatusCode: http.StatusOK}
	})
	d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime))

	if _, err := d.PollOnce(testutil.TestContext(t)); err != nil {
		t.Fatal(err)
	}
	if ev := store.event(id); ev.Status != domain.EventStatusPending {
		t.Errorf("status = %s, want pending (requeued)", ev.Status)
	}
	if len(store.outcomes) != 0 {
		t.Errorf("recorded %d outcomes, want none", len(store.outcomes))
	}
}

func TestDispatcher_ClaimError(t *testing.T) {
	store := newMockStore()
	store.claimErr = errors.New("db down")
	d := newTestDispatcher(store, &mockSender{}, testutil.NewFakeClock(baseTime))

	if _, err := d.PollOnce(testutil.TestContext(t)); err == nil {
		t.Fatal("expected claim error")
	}
}

// orderedSender records the scheduled time header per trigger.
type orderedSender struct {
	mu    sync.Mutex
	seen  map[string][]string
	delay time.Duration
}

func (s *orderedSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.Header.Get(HeaderTriggerName)
	s.seen[name] = append(s.seen[name], req.Header.Get(HeaderScheduledTime))
	return WebhookResult{StatusCode: http.StatusOK}
}

func TestDispatcher_PerTriggerOrder(t *testing.T) {
	store := newMockStore()
	a, b := hookTrigger("a"), hookTrigger("b")
	for i := 0; i < 5; i++ {
		store.addEvent(a, baseTime.Add(time.Duration(i)*time.Minute))
		store.addEvent(b, baseTime.Add(time.Duration(i)*time.Minute))
	}
	sender := &orderedSender{seen: make(map[string][]string), delay: time.Millisecond}
	d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime.Add(time.Hour)))

	ctx := testutil.TestContext(t)
	polls := 0
	for {
		n, err := d.PollOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		if n > 2 {
			t.Fatalf("poll claimed %d events, want at most one per trigger", n)
		}
		polls++
	}
	if polls != 5 {
		t.Errorf("drained in %d polls, want 5", polls)
	}

	for name, times := range sender.seen {
		if !sort.StringsAreSorted(times) {
			t.Errorf("trigger %s delivered out of order: %v", name, times)
		}
		if len(times) != 5 {
			t.Errorf("trigger %s delivered %d events, want 5", name, len(times))
		}
	}
}

// A trigger with an event in flight yields nothing, so a second worker never
// overtakes the first on the same trigger.
func TestDispatcher_InFlightTriggerIsSkipped(t *testing.T) {
	store := newMockStore()
	a, b := hookTrigger("a"), hookTrigger("b")
	store.addEvent(a, baseTime)
	store.addEvent(a, baseTime.Add(time.Minute))
	store.addEvent(b, baseTime.Add(time.Minute))
	ctx := testutil.TestContext(t)
	now := baseTime.Add(time.Hour)

	first, err := store.ClaimDueEvents(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].Trigger.Name != "a" || !first[0].Event.ScheduledTime.Equal(baseTime) {
		t.Fatalf("first claim = %+v, want the earliest event of a and of b", first)
	}

	second, err := store.ClaimDueEvents(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Errorf("second claim took %d events while both triggers are in flight", len(second))
	}
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	store := newMockStore()
	store.addEvent(hookTrigger("run"), baseTime)
	sender := &mockSender{}
	d := newTestDispatcher(store, sender, testutil.NewFakeClock(baseTime))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.After(time.Second)
	for sender.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("event was not dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// wakeSignal is a manually triggered Waker.
type wakeSignal chan struct{}

func (w wakeSignal) C() <-chan struct{} { return w }

func TestDispatcher_WakerTriggersPoll(t *testing.T) {
	store := newMockStore()
	sender := &mockSender{}
	wake := make(wakeSignal, 1)
	clock := testutil.NewFakeClock(baseTime)
	builder := NewRequestBuilder("triggerd/test")
	d := New(Config{Workers: 1, BatchSize: 10, PollInterval: time.Hour}, store, sender, builder).
		WithClock(clock.Now).
		WithWaker(wake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	// Let the initial empty poll happen, then add work and wake the worker.
	time.Sleep(20 * time.Millisecond)
	store.addEvent(hookTrigger("woken"), baseTime)
	wake <- struct{}{}

	deadline := time.After(time.Second)
	for sender.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("wake-up did not trigger a poll")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type recordingAnalytics struct {
	mu       sync.Mutex
	outcomes []string
}

func (a *recordingAnalytics) Record(ctx context.Context, name, outcome string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, name+":"+outcome)
	return errors.New("redis unavailable")
}

func TestDispatcher_AnalyticsBestEffort(t *testing.T) {
	store := newMockStore()
	id := store.addEvent(hookTrigger("stats"), baseTime)
	analytics := &recordingAnalytics{}
	d := newTestDispatcher(store, &mockSender{}, testutil.NewFakeClock(baseTime)).WithAnalytics(analytics)

	if _, err := d.PollOnce(testutil.TestContext(t)); err != nil {
		t.Fatal(err)
	}
	if ev := store.event(id); ev.Status != domain.EventStatusDelivered {
		t.Errorf("analytics failure must not affect delivery, status = %s", ev.Status)
	}
	if len(analytics.outcomes) != 1 || analytics.outcomes[0] != "stats:delivered" {
		t.Errorf("analytics outcomes = %v", analytics.outcomes)
	}
}
