package post

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a status transition lost a race or the post is already terminal.
	ErrConflict = errors.New("status conflict")
)

// ValidationError rejects caller input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// UnsupportedPlatformError is recorded as a failed post when no adapter is registered.
type UnsupportedPlatformError struct {
	Platform string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform: %s", e.Platform)
}

// AdapterPublishError wraps an adapter failure. The failed post records the
// adapter's own message, not this wrapper's.
type AdapterPublishError struct {
	Platform string
	Err      error
}

func (e *AdapterPublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Platform, e.Err)
}

func (e *AdapterPublishError) Unwrap() error { return e.Err }

// StoreError means persistence is unreachable or broken. It aborts a cycle.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// storeErr wraps err as a StoreError unless it already is one or is a
// domain sentinel.
func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
