package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrDuplicateName    = errors.New("trigger name already exists")
	ErrNotFound         = errors.New("not found")
	ErrTransitionDenied = errors.New("status transition denied: event is not in flight")
)

// ValidationError rejects a trigger definition before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }
