// Package pipelineerr defines the error taxonomy shared across the pipeline
// as specified in section 7 of the design specification. Components wrap
// their failures in these sentinel values so that callers can classify
// retryability with errors.Is/errors.As instead of string matching.
package pipelineerr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel error categories from section 7. Components wrap these with
// fmt.Errorf("...: %w", ...) to preserve the underlying cause while keeping
// the category matchable.
var (
	// ErrInvalidArgument is terminal to the caller; never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is terminal; e.g. an unknown S3 key.
	ErrNotFound = errors.New("not found")
	// ErrTimeout is retryable and counts toward circuit-breaker failures.
	ErrTimeout = errors.New("timeout")
	// ErrRemoteTransient is retryable and counts toward circuit-breaker failures.
	ErrRemoteTransient = errors.New("remote transient error")
	// ErrRemoteTerminal is non-retryable but counts toward circuit-breaker failures.
	ErrRemoteTerminal = errors.New("remote terminal error")
	// ErrParse is non-retryable; causes a per-object drop and a metric increment.
	ErrParse = errors.New("parse error")
	// ErrValidation is non-retryable; causes a per-record drop.
	ErrValidation = errors.New("validation error")
)

// CircuitOpenError is returned when a circuit breaker short-circuits a call.
// The caller should either fall back to a cache (credentials) or persist the
// batch (sink), per section 7's propagation policy.
type CircuitOpenError struct {
	Name      string
	OpenedAt  time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open since %s, retry after %s", e.Name, e.OpenedAt.Format(time.RFC3339), e.RetryAfter)
}

// RetryableError marks an error as eligible for RetryController retries,
// independent of the category sentinels above (used when a caller classifies
// an otherwise-unclassified error as transient).
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Cause) }
func (e *RetryableError) Unwrap() error { return e.Cause }

// NonRetryableError marks an error as terminal regardless of classifier
// defaults.
type NonRetryableError struct {
	Cause error
}

func (e *NonRetryableError) Error() string { return fmt.Sprintf("non-retryable: %v", e.Cause) }
func (e *NonRetryableError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err should be retried per the taxonomy in
// section 7: Timeout and RemoteTransient are retryable; everything else,
// including an explicit RetryableError wrapper, follows its own marking.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRemoteTransient) {
		return true
	}
	return false
}
