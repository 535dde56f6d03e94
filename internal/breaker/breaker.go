// Package breaker implements the fail-fast gate in front of the payment
// gateway. The breaker has two states, CLOSED and OPEN; there is no
// half-open state and no background timer. Recovery is lazy: the first
// check at or after the cooldown deadline resets the failure counter and
// reports CLOSED again.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	StateClosed State = "CLOSED"
	StateOpen   State = "OPEN"
)

const (
	DefaultThreshold = 3
	DefaultCooldown  = 30 * time.Second
)

// OnStateChange is invoked (outside the lock) when the breaker trips
// open or lazily closes. Used to drive metrics and logging.
type OnStateChange func(s State)

// CircuitBreaker counts consecutive failures under a single mutex;
// multiple checkout workers observe and update it concurrently.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  OnStateChange
}

type Option func(*CircuitBreaker)

// WithClock overrides the time source. Tests use this to step through
// the cooldown without sleeping.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithOnStateChange installs a state-transition callback.
func WithOnStateChange(fn OnStateChange) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// New builds a breaker. Non-positive threshold or cooldown fall back to
// the defaults.
func New(threshold int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	cb := &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Allow reports whether a call may proceed. While open and before the
// cooldown deadline it returns false without touching the downstream.
// At or after the deadline it transparently resets the counter and
// reports closed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var changed *State
	allowed := true
	if !cb.openUntil.IsZero() {
		if cb.now().Before(cb.openUntil) {
			allowed = false
		} else {
			// Cooldown elapsed; lazy reset.
			cb.failures = 0
			cb.openUntil = time.Time{}
			s := StateClosed
			changed = &s
		}
	}
	cb.mu.Unlock()
	if changed != nil && cb.onChange != nil {
		cb.onChange(*changed)
	}
	return allowed
}

// RecordFailure increments the counter and trips the breaker once the
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var changed *State
	cb.failures++
	if cb.failures >= cb.threshold && cb.openUntil.IsZero() {
		cb.openUntil = cb.now().Add(cb.cooldown)
		s := StateOpen
		changed = &s
	}
	cb.mu.Unlock()
	if changed != nil && cb.onChange != nil {
		cb.onChange(*changed)
	}
}

// RecordSuccess resets the failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	cb.mu.Unlock()
}

// State reports the current state without mutating it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.openUntil.IsZero() && cb.now().Before(cb.openUntil) {
		return StateOpen
	}
	return StateClosed
}
