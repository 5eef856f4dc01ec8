package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input that was rejected before any state changed.
	ErrValidation = errors.New("validation failed")

	// ErrCapacity marks a write rejected because a hard capacity was reached.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrNotFound is returned by update and delete paths that assume the
	// target exists. Read paths report absence without an error.
	ErrNotFound = errors.New("not found")

	// ErrConnectivity marks a remote backend that could not be reached.
	ErrConnectivity = errors.New("backend unreachable")
)

// ValidationError describes a missing or malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CapacityError reports that Scope already holds Limit items.
type CapacityError struct {
	Scope string
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity: %s is at its limit of %d", e.Scope, e.Limit)
}

// Is makes errors.Is(err, ErrCapacity) succeed.
func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// NotFoundError reports an unknown id on a path that required it.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) succeed.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConnectivityError is raised when a remote backend can't be reached or
// answers with a transport-level failure. Local state is never modified
// when one is returned.
type ConnectivityError struct {
	Backend    string
	Op         string
	Endpoint   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ConnectivityError) Error() string {
	msg := fmt.Sprintf("%s %s: %s unreachable", e.Backend, e.Op, e.Endpoint)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg + "; fall back to a local backend (memory, file or sqlite) if the endpoint or credential is not available"
}

// Unwrap returns the underlying transport error.
func (e *ConnectivityError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConnectivity) succeed.
func (e *ConnectivityError) Is(target error) bool { return target == ErrConnectivity }

// IsRetryable reports whether err is a ConnectivityError worth retrying.
func IsRetryable(err error) bool {
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
