package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a transaction does not exist or belongs to another user.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a transaction with the same external id already exists.
	ErrDuplicate = errors.New("duplicate external id")
	// ErrConflict is returned when a write would violate the score-once or decide-once lifecycle.
	ErrConflict = errors.New("conflicting state")
	// ErrScorerUnavailable marks any failure of a scoring backend. It never leaves the scoring layer.
	ErrScorerUnavailable = errors.New("scorer unavailable")
	// ErrPersistence wraps store failures that abort processing of a single record.
	ErrPersistence = errors.New("persistence failure")
)

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
