// Package channel provides an in-process wake-up signal between the
// components that create due events and the dispatcher that claims them.
package channel

import "sync/atomic"

// Signal coalesces notifications into a single pending wake-up.
// Notify never blocks; any number of calls before the receiver wakes
// collapse into one.
type Signal struct {
	ch      chan struct{}
	dropped atomic.Int64
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
		s.dropped.Add(1)
	}
}

// C returns the channel receivers select on.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Coalesced reports how many notifications were folded into an already pending wake-up.
func (s *Signal) Coalesced() int64 {
	return s.dropped.Load()
}
