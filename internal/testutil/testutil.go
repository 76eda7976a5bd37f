// Package testutil provides shared test helpers for triggerd.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/triggerd/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses a UUID string and panics on error.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

// DefaultRetry mirrors the engine defaults.
func DefaultRetry() domain.RetryConfig {
	return domain.RetryConfig{
		MaxAttempts:   5,
		RetryInterval: 10 * time.Second,
		Timeout:       60 * time.Second,
		Tolerance:     6 * time.Hour,
	}
}

func CronTrigger(name, expr, webhook string, createdAt time.Time) domain.Trigger {
	return domain.Trigger{
		ID:             uuid.New(),
		Name:           name,
		Kind:           domain.TriggerKindCron,
		CronExpression: expr,
		Webhook:        webhook,
		Retry:          DefaultRetry(),
		CreatedAt:      createdAt.UTC(),
	}
}

func AdHocTrigger(name string, runAt time.Time, webhook string, createdAt time.Time) domain.Trigger {
	at := runAt.UTC()
	return domain.Trigger{
		ID:        uuid.New(),
		Name:      name,
		Kind:      domain.TriggerKindAdHoc,
		RunAt:     &at,
		Webhook:   webhook,
		Retry:     DefaultRetry(),
		CreatedAt: createdAt.UTC(),
	}
}

// ReceivedRequest is one webhook call captured by a Receiver.
type ReceivedRequest struct {
	Method string
	Header http.Header
	Body   []byte
}

// JSON decodes the captured body.
func (r ReceivedRequest) JSON(t *testing.T) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		t.Fatalf("decode webhook body %q: %v", r.Body, err)
	}
	return v
}

// Receiver is an httptest webhook endpoint that records every call.
// Responses follow the configured status sequence; the last status repeats.
type Receiver struct {
	*httptest.Server

	mu       sync.Mutex
	requests []ReceivedRequest
	statuses []int
	received chan struct{}
}

func NewReceiver(t *testing.T, statuses ...int) *Receiver {
	t.Helper()
	if len(statuses) == 0 {
		statuses = []int{http.StatusOK}
	}
	r := &Receiver{statuses: statuses, received: make(chan struct{}, 1024)}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.Close)
	return r
}

func (r *Receiver) handle(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.requests = append(r.requests, ReceivedRequest{Method: req.Method, Header: req.Header.Clone(), Body: body})
	status := r.statuses[len(r.statuses)-1]
	if n := len(r.requests); n <= len(r.statuses) {
		status = r.statuses[n-1]
	}
	r.mu.Unlock()

	select {
	case r.received <- struct{}{}:
	default:
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (r *Receiver) Requests() []ReceivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReceivedRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

func (r *Receiver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// WaitFor blocks until at least n calls were received or the timeout elapses.
func (r *Receiver) WaitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for r.Count() < n {
		select {
		case <-r.received:
		case <-deadline:
			t.Fatalf("received %d webhook calls, want %d", r.Count(), n)
		}
	}
}
