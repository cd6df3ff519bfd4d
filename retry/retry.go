// Package retry implements the bounded exponential backoff controller
// described in section 4.3 of the design specification.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/gurre/s3sentinel/pipelineerr"
)

// Classifier decides whether an error (that is not already a
// pipelineerr.RetryableError/NonRetryableError) should be retried. When nil,
// Do treats unclassified errors as non-retryable, per section 4.3: "any
// other exception is treated as retryable by default only if the caller set
// classify to do so".
type Classifier func(error) bool

// Options configures a single Do invocation.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64 // fraction in [0,1]; delay is scaled by (1 +/- Jitter)
	Classify   Classifier
}

// Do executes fn, retrying on retryable errors up to MaxRetries times with
// exponential backoff. A pipelineerr.NonRetryableError (or
// pipelineerr.ErrInvalidArgument/ErrParse/ErrValidation) aborts immediately.
func Do(ctx context.Context, opts Options, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr, opts.Classify) {
			return lastErr
		}
		if attempt >= opts.MaxRetries {
			return lastErr
		}

		delay := backoffDelay(opts, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func shouldRetry(err error, classify Classifier) bool {
	var nonRetryable *pipelineerr.NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}
	var retryable *pipelineerr.RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	if errors.Is(err, pipelineerr.ErrInvalidArgument) ||
		errors.Is(err, pipelineerr.ErrParse) ||
		errors.Is(err, pipelineerr.ErrValidation) ||
		errors.Is(err, pipelineerr.ErrNotFound) ||
		errors.Is(err, pipelineerr.ErrRemoteTerminal) {
		return false
	}
	if errors.Is(err, pipelineerr.ErrTimeout) || errors.Is(err, pipelineerr.ErrRemoteTransient) {
		return true
	}
	if classify != nil {
		return classify(err)
	}
	return false
}

func backoffDelay(opts Options, attempt int) time.Duration {
	base := opts.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := opts.Jitter
	if jitter <= 0 {
		return delay
	}
	// Scale delay by (1 +/- jitter): uniform in [delay*(1-jitter), delay*(1+jitter)].
	factor := 1 - jitter + rand.Float64()*2*jitter
	return time.Duration(float64(delay) * factor)
}
