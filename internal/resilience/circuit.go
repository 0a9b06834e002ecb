// Package resilience provides the circuit breaker, error taxonomy and backoff
// helpers shared by every component that talks to the RPC network.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen lets trial requests through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before the next call
	// is let through as a half-open trial. Default: 30s.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit. Default: 2.
	SuccessThreshold int

	// ShouldTrip optionally overrides which errors count as failures. If nil,
	// IsFailure is used: every error except cancellation counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	// It runs with the breaker lock held and must not call back into it.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitSnapshot is a read-only view of a breaker for observability.
type CircuitSnapshot struct {
	State                CircuitState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransition       time.Time
}

// CircuitBreaker implements the circuit breaker pattern for a single endpoint.
// It never retries; it only decides whether a call is attempted.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures  int
	consecutiveSuccesses int
	lastTransition       time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsFailure
	}
	return &CircuitBreaker{
		cfg:            cfg,
		state:          CircuitClosed,
		nowFunc:        time.Now,
		lastTransition: time.Now(),
	}
}

// SetClock replaces the breaker's time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.nowFunc = now
	cb.lastTransition = now()
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// calling fn if the circuit is open and the reset timeout has not elapsed.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(err)
	return val, err
}

// State returns the current circuit state. It never transitions the breaker:
// an open circuit stays open until the next Execute after the reset timeout.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// TrialDue reports whether the circuit is open and its reset timeout has
// elapsed, i.e. the next Execute would run as a half-open trial.
func (cb *CircuitBreaker) TrialDue() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastTransition) >= cb.cfg.ResetTimeout
}

// OpenFor returns how long the circuit has been open, or zero if it isn't.
func (cb *CircuitBreaker) OpenFor() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return 0
	}
	return cb.nowFunc().Sub(cb.lastTransition)
}

// ResetIfStale force-closes a circuit that has been open for at least
// window. Returns true if it reset.
func (cb *CircuitBreaker) ResetIfStale(window time.Duration) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen || cb.nowFunc().Sub(cb.lastTransition) < window {
		return false
	}
	cb.resetLocked()
	return true
}

// Reset forces the circuit back to closed state, clearing all counters.
// Used for manual or administrative recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetLocked()
}

func (cb *CircuitBreaker) resetLocked() {
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Snapshot returns the counters and state for observability.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitSnapshot{
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastTransition:       cb.lastTransition,
	}
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.lastTransition) >= cb.cfg.ResetTimeout {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !cb.cfg.ShouldTrip(err) {
		switch cb.state {
		case CircuitHalfOpen:
			if err != nil {
				// Non-tripping error: neither progress nor regression.
				return
			}
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
				cb.consecutiveFailures = 0
				cb.consecutiveSuccesses = 0
				cb.transition(CircuitClosed)
			}
		case CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	cb.consecutiveFailures++

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit and restarts the timer.
		cb.consecutiveSuccesses = 0
		cb.transition(CircuitOpen)
	case CircuitOpen:
		// A trial that raced with another failing trial; restart the timer.
		cb.lastTransition = cb.nowFunc()
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.lastTransition = cb.nowFunc()
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(from, to)
	}
}
