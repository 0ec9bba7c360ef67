// Package errdefs holds the error taxonomy shared by the dispatch,
// objective, optimizer and controller layers.
//
// Error handling conventions:
//   - ConfigError is raised at setup and is never retried
//   - EvaluationError wraps a single failed work item
//   - DispatchTimeoutError reports work still outstanding after a bounded wait
//   - ErrBackendShutdown is returned by any dispatch call after shutdown
//
// Use errors.Is / errors.As to classify; all types unwrap to their cause.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration matches every ConfigError.
	ErrConfiguration = errors.New("configuration error")

	// ErrDispatchTimeout matches every DispatchTimeoutError.
	ErrDispatchTimeout = errors.New("dispatch timed out")

	// ErrBackendShutdown is returned when a backend is used after Shutdown.
	ErrBackendShutdown = errors.New("backend is shut down")
)

// ConfigError represents malformed setup: parameter-count mismatch,
// malformed bounds, unknown backend type and similar.
type ConfigError struct {
	Field  string
	Reason string
}

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return "configuration error: " + e.Field + " " + e.Reason
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// EvaluationError represents a user function failure on one work item.
type EvaluationError struct {
	Item any
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed for item %v: %v", e.Item, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// DispatchTimeoutError is returned when a bounded wait expires with work
// still outstanding.
type DispatchTimeoutError struct {
	Pending int
	Timeout time.Duration
}

func (e *DispatchTimeoutError) Error() string {
	return fmt.Sprintf("dispatch timed out after %s with %d item(s) outstanding", e.Timeout, e.Pending)
}

func (e *DispatchTimeoutError) Is(target error) bool {
	return target == ErrDispatchTimeout
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an item error as non-retryable. Backends never resubmit
// an item whose function returned a permanent error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
