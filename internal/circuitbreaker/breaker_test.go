package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/triggerd/internal/testutil"
)

const host = "hooks.example.com"

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	return New(threshold, cooldown).WithClock(clock.Now), clock
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.RecordFailure(host)
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://Hooks.Example.com/a?b=c", "hooks.example.com"},
		{"https://hooks.example.com:8443/x", "hooks.example.com:8443"},
		{"not a url", "not a url"},
		{"::bad", "::bad"},
	}
	for _, tt := range tests {
		if got := Key(tt.in); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAllow_UnknownHost_Allowed(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	fail(cb, 2)
	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if cb.State(host) != StateClosed {
		t.Errorf("state = %s, want closed", cb.State(host))
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	fail(cb, 3)
	if err := cb.Allow(host); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if cb.State(host) != StateOpen {
		t.Errorf("state = %s, want open", cb.State(host))
	}
}

func TestAllow_AfterCooldown_SingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	fail(cb, 3)

	clock.Advance(10 * time.Second)
	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected trial request to be allowed, got %v", err)
	}
	if cb.State(host) != StateHalfOpen {
		t.Errorf("state = %s, want half_open", cb.State(host))
	}
	if err := cb.Allow(host); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected ErrCircuitOpen while the trial request is in flight")
	}
}

func TestRecordSuccess_Closes(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	fail(cb, 3)
	clock.Advance(11 * time.Second)
	_ = cb.Allow(host)

	cb.RecordSuccess(host)

	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
	// Counter was reset: two more failures stay below threshold.
	fail(cb, 2)
	if cb.State(host) != StateClosed {
		t.Errorf("state = %s, want closed", cb.State(host))
	}
}

func TestRecordFailure_HalfOpenReopens(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	fail(cb, 3)
	clock.Advance(10 * time.Second)
	_ = cb.Allow(host)

	cb.RecordFailure(host)

	if cb.State(host) != StateOpen {
		t.Fatalf("state = %s, want open", cb.State(host))
	}
	clock.Advance(5 * time.Second)
	if err := cb.Allow(host); !errors.Is(err, ErrCircuitOpen) {
		t.Error("expected cooldown to restart after a failed trial request")
	}
}

// An unused trial slot goes back so the host is not wedged half-open.
func TestRelease_ReturnsUnusedTrial(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	fail(cb, 3)
	clock.Advance(10 * time.Second)
	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected trial request to be allowed, got %v", err)
	}

	cb.Release(host)

	if cb.State(host) != StateOpen {
		t.Fatalf("state = %s, want open", cb.State(host))
	}
	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected a new trial request without another cooldown, got %v", err)
	}
}

func TestRelease_LeavesOtherStatesAlone(t *testing.T) {
	cb, _ := newTestBreaker(3, 10*time.Second)
	cb.Release(host)
	if cb.State(host) != StateClosed {
		t.Errorf("state = %s, want closed", cb.State(host))
	}

	fail(cb, 3)
	cb.Release(host)
	if err := cb.Allow(host); !errors.Is(err, ErrCircuitOpen) {
		t.Error("release must not shorten the cooldown of an open circuit")
	}
}

func TestDisabled(t *testing.T) {
	cb, _ := newTestBreaker(0, time.Second)
	fail(cb, 100)
	if err := cb.Allow(host); err != nil {
		t.Fatalf("disabled breaker should allow, got %v", err)
	}
}

func TestIndependentHosts(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	fail(cb, 2)
	if err := cb.Allow("other.example.com"); err != nil {
		t.Fatalf("other host should be unaffected, got %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = cb.Allow(host)
				if (i+j)%2 == 0 {
					cb.RecordFailure(host)
				} else {
					cb.RecordSuccess(host)
				}
			}
		}(i)
	}
	wg.Wait()
}
