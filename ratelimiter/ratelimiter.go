// Package ratelimiter implements the token-bucket admission control
// described in section 4.1 of the design specification. A single mutex
// guards the token count and last-refill instant; the sleep for a blocking
// acquire happens outside the lock so concurrent callers are not serialized
// on I/O wait time.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Errors returned by Acquire/TryAcquire, matching section 4.1's taxonomy.
var (
	ErrInvalidArgument = fmt.Errorf("ratelimiter: invalid argument")
	ErrTimeout         = fmt.Errorf("ratelimiter: acquire timed out")
)

// Limiter is a token bucket: tokens accrue at rate per second up to
// capacity, and each Acquire/TryAcquire call consumes tokens.
type Limiter struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// New creates a Limiter with the given rate (tokens/second, > 0) and
// capacity (max tokens). A capacity <= 0 defaults to 2x rate, per section 4.1.
func New(rate float64, capacity float64) *Limiter {
	if capacity <= 0 {
		capacity = 2 * rate
	}
	return &Limiter{
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = now
}

// TryAcquire attempts to consume n tokens without blocking. It returns false
// if insufficient tokens are currently available.
func (l *Limiter) TryAcquire(n float64) (bool, error) {
	if n <= 0 || n > l.capacity {
		return false, fmt.Errorf("%w: tokens must be in (0, %.2f], got %.2f", ErrInvalidArgument, l.capacity, n)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()

	if l.tokens >= n {
		l.tokens -= n
		return true, nil
	}
	return false, nil
}

// Acquire blocks (cooperatively, via the caller's context) until n tokens
// are available or ctx is done. The wait is bounded only by ctx; there is
// no separate deadline argument.
func (l *Limiter) Acquire(ctx context.Context, n float64) error {
	if n <= 0 || n > l.capacity {
		return fmt.Errorf("%w: tokens must be in (0, %.2f], got %.2f", ErrInvalidArgument, l.capacity, n)
	}

	for {
		l.mu.Lock()
		l.refillLocked()

		if l.tokens >= n {
			l.tokens -= n
			l.mu.Unlock()
			return nil
		}

		wait := time.Duration((n - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// loop and re-check; another goroutine may have consumed tokens meanwhile
		case <-ctx.Done():
			timer.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w", ErrTimeout)
			}
			return ctx.Err()
		}
	}
}

// AvailableTokens returns a snapshot of the current token count after
// accounting for elapsed refill time. Intended for observability and tests.
func (l *Limiter) AvailableTokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}
