// Package cron expands standard 5-field cron expressions into UTC instants.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/djlord-it/triggerd/internal/domain"
)

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse compiles expression. Descriptors such as "@hourly" and TZ= prefixes are
// rejected: only plain 5-field expressions evaluated in UTC are accepted.
func (p *Parser) Parse(expression string) (Schedule, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", domain.ErrInvalidSchedule)
	}
	if strings.HasPrefix(expr, "@") || strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: %q: only 5-field expressions are supported", domain.ErrInvalidSchedule, expression)
	}

	sched, err := p.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrInvalidSchedule, expression, err)
	}

	return &schedule{sched: sched}, nil
}

// Validate reports whether expression would be accepted by Parse.
func (p *Parser) Validate(expression string) error {
	_, err := p.Parse(expression)
	return err
}

type Schedule interface {
	// Next returns the first activation strictly after the given instant, in UTC.
	// The zero time is returned when no activation exists.
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
}

func (s *schedule) Next(after time.Time) time.Time {
	next := s.sched.Next(after.UTC())
	if next.IsZero() {
		return next
	}
	return next.UTC()
}
