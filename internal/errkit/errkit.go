// Package errkit defines the orchestrator's error taxonomy: typed errors
// that pkg/api maps to HTTP status codes with a single errors.As switch
// instead of scattering status codes through handlers.
package errkit

import "fmt"

// ValidationError wraps a client input error (HTTP 400).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError wraps a missing-resource error (HTTP 404).
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

func NotFound(format string, args ...any) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError wraps a state-conflict error (HTTP 409), e.g. a duplicate
// chunk or an operation invalid for the work unit's current status.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}
