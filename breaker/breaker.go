// Package breaker implements the three-state circuit breaker described in
// section 4.2 of the design specification. State transitions happen under a
// lock; the wrapped function runs outside the lock so a slow downstream call
// cannot block unrelated state reads.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gurre/s3sentinel/pipelineerr"
)

// State is one of the three circuit states from section 3.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Transition records one state change for the observability ring buffer.
type Transition struct {
	At   time.Time
	From State
	To   State
}

const transitionBufferSize = 100

// Config holds the tunables from section 4.2.
type Config struct {
	Name                string
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	SuccessThreshold    int
	HalfOpenMaxInflight int
	MinCallsBeforeOpen  int
	OperationTimeout    time.Duration
}

// Breaker is a three-state circuit breaker gating calls to a remote
// dependency, per section 4.2's state machine table.
type Breaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	failures       int
	totalCalls     int
	successes      int
	halfOpenInFlight int
	openedAt       time.Time

	transitions    [transitionBufferSize]Transition
	transitionHead int
	transitionLen  int
}

// New constructs a Breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMaxInflight <= 0 {
		cfg.HalfOpenMaxInflight = 1
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Transitions returns a copy of the recorded transitions, oldest first.
func (b *Breaker) Transitions() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Transition, b.transitionLen)
	for i := 0; i < b.transitionLen; i++ {
		idx := (b.transitionHead - b.transitionLen + i + transitionBufferSize) % transitionBufferSize
		out[i] = b.transitions[idx]
	}
	return out
}

func (b *Breaker) recordTransitionLocked(from, to State) {
	b.transitions[b.transitionHead] = Transition{At: time.Now(), From: from, To: to}
	b.transitionHead = (b.transitionHead + 1) % transitionBufferSize
	if b.transitionLen < transitionBufferSize {
		b.transitionLen++
	}
}

// admit decides whether a call may proceed, transitioning open->half_open
// when the recovery timeout has elapsed. It returns a CircuitOpenError when
// the call must fail fast.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.recordTransitionLocked(Open, HalfOpen)
			b.state = HalfOpen
			b.successes = 0
			b.halfOpenInFlight = 1
			return nil
		}
		return &pipelineerr.CircuitOpenError{
			Name:       b.cfg.Name,
			OpenedAt:   b.openedAt,
			RetryAfter: b.cfg.RecoveryTimeout - time.Since(b.openedAt),
		}
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxInflight {
			return &pipelineerr.CircuitOpenError{
				Name:       b.cfg.Name,
				OpenedAt:   b.openedAt,
				RetryAfter: b.cfg.RecoveryTimeout,
			}
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) onResult(callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	if b.state == HalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if callErr == nil {
		b.onSuccessLocked()
		return
	}
	b.onFailureLocked()
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.recordTransitionLocked(HalfOpen, Closed)
			b.state = Closed
			b.failures = 0
			b.totalCalls = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) onFailureLocked() {
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold && b.totalCalls >= b.cfg.MinCallsBeforeOpen {
			b.recordTransitionLocked(Closed, Open)
			b.state = Open
			b.openedAt = time.Now()
		}
	case HalfOpen:
		b.recordTransitionLocked(HalfOpen, Open)
		b.state = Open
		b.openedAt = time.Now()
		b.successes = 0
	}
}

// Call executes fn under the breaker's protection. If the breaker is open
// (and the recovery timeout has not elapsed) or half-open with no available
// test slots, fn is not invoked and a *pipelineerr.CircuitOpenError is
// returned. Otherwise fn runs under cfg.OperationTimeout; a timeout counts
// as a failure.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.OperationTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.OperationTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = pipelineerr.ErrTimeout
	} else if err == nil && callCtx.Err() != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = pipelineerr.ErrTimeout
	}

	b.onResult(err)
	return err
}
