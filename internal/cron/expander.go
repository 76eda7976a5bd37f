package cron

import (
	"fmt"
	"time"
)

// NextOccurrences returns up to count instants strictly after the given one, in
// strictly increasing order. Fewer are returned only if the schedule never fires again.
func (p *Parser) NextOccurrences(expression string, after time.Time, count int) ([]time.Time, error) {
	if count < 0 {
		return nil, fmt.Errorf("count must be non-negative, got %d", count)
	}
	sched, err := p.Parse(expression)
	if err != nil {
		return nil, err
	}
	return Take(NewSequence(sched, after), count), nil
}

// Sequence lazily walks the activations of a schedule. It is restartable:
// a new Sequence built from Last() continues where this one stopped.
type Sequence struct {
	sched Schedule
	last  time.Time
	done  bool
}

func NewSequence(sched Schedule, after time.Time) *Sequence {
	return &Sequence{sched: sched, last: after.UTC()}
}

// Next returns the next activation and true, or the zero time and false once exhausted.
func (s *Sequence) Next() (time.Time, bool) {
	if s.done {
		return time.Time{}, false
	}
	next := s.sched.Next(s.last)
	if next.IsZero() || !next.After(s.last) {
		s.done = true
		return time.Time{}, false
	}
	s.last = next
	return next, true
}

// Last returns the most recently produced instant, or the starting instant.
func (s *Sequence) Last() time.Time {
	return s.last
}

// Take drains up to n instants from seq.
func Take(seq *Sequence, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for len(out) < n {
		t, ok := seq.Next()
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out
}
