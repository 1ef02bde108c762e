package remote

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the externally visible state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker stops calls to the central server after repeated retryable failures.
// Once openFor has elapsed a single probe call is let through; its result closes or
// reopens the breaker.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	recent    []time.Time
	openedAt  time.Time
	probing   bool
	now       func() time.Time
}

// NewCircuitBreaker returns nil, a breaker that never opens, when threshold <= 0.
func NewCircuitBreaker(threshold int, window, openFor time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		return nil
	}
	return &CircuitBreaker{
		threshold: threshold,
		window:    window,
		openFor:   openFor,
		recent:    make([]time.Time, 0, threshold),
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In the half-open state only the first caller
// gets true until that probe records its result.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return false
	}
}

// RecordFailure counts a retryable failure. A failed probe reopens the breaker at once.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.probing {
		cb.probing = false
		cb.openedAt = now
		zap.S().Infow("remote: probe failed, circuit reopened", "open_for", cb.openFor)
		return
	}

	kept := cb.recent[:0]
	for _, at := range cb.recent {
		if now.Sub(at) < cb.window {
			kept = append(kept, at)
		}
	}
	cb.recent = append(kept, now)

	if len(cb.recent) >= cb.threshold && cb.openedAt.IsZero() {
		cb.openedAt = now
		zap.S().Warnw("remote: circuit opened", "failures", len(cb.recent), "open_for", cb.openFor)
	}
}

// RecordSuccess closes the breaker and forgets past failures.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closeLocked()
}

// Reset closes the breaker, typically once connectivity is confirmed by other means.
func (cb *CircuitBreaker) Reset() {
	cb.RecordSuccess()
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return BreakerClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// IsOpen reports whether calls are currently refused outright.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == BreakerOpen
}

func (cb *CircuitBreaker) stateLocked() BreakerState {
	switch {
	case cb.openedAt.IsZero():
		return BreakerClosed
	case cb.now().Sub(cb.openedAt) < cb.openFor:
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

func (cb *CircuitBreaker) closeLocked() {
	cb.recent = cb.recent[:0]
	cb.openedAt = time.Time{}
	cb.probing = false
}
