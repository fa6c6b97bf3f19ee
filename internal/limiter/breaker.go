package limiter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned internally when the breaker short-circuits a
// call; the cache layer never lets this escape to an HTTP caller.
var ErrBreakerOpen = errors.New("limiter: circuit breaker open")

// BreakerState is one of the CLOSED/OPEN/HALF_OPEN breaker states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive failures trigger OPEN.
	FailureThreshold int
	// RecoveryTimeout is how long to wait in OPEN before probing again.
	RecoveryTimeout time.Duration
	// OnStateChange, if set, is called on every transition.
	OnStateChange func(from, to BreakerState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	return c
}

// CircuitBreaker guards calls to the distributed store. The cache routes
// its check-and-increment and observe (Current) calls through it; the
// revert and reset paths bypass it and propagate errors to logs directly.
type CircuitBreaker struct {
	config BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config.withDefaults(), state: BreakerClosed}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs primary under breaker protection. When the breaker is
// OPEN, primary is never invoked and fallback runs instead. When the
// recovery timeout has elapsed, one probing call to primary is allowed
// (HALF_OPEN); its outcome decides whether the breaker closes or
// reopens. fallback is also invoked whenever primary itself returns an
// error, so the caller always gets fallback's result in the failure
// path, never primary's error.
func (cb *CircuitBreaker) Execute(ctx context.Context, primary, fallback func(context.Context) (Decision, error)) (Decision, error) {
	if cb.attemptingPrimary() {
		decision, err := primary(ctx)
		cb.afterExecute(err)
		if err == nil {
			return decision, nil
		}
		return fallback(ctx)
	}
	return fallback(ctx)
}

// attemptingPrimary reports whether the caller should invoke primary
// this round, transitioning OPEN -> HALF_OPEN when the recovery timeout
// has elapsed.
func (cb *CircuitBreaker) attemptingPrimary() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastFailure) <= cb.config.RecoveryTimeout {
			return false
		}
		cb.transitionTo(BreakerHalfOpen)
		return true
	case BreakerHalfOpen:
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) afterExecute(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		if err != nil {
			cb.lastFailure = time.Now()
			cb.transitionTo(BreakerOpen)
		} else {
			cb.transitionTo(BreakerClosed)
		}
	case BreakerClosed:
		if err != nil {
			cb.failures++
			cb.lastFailure = time.Now()
			if cb.failures >= cb.config.FailureThreshold {
				cb.transitionTo(BreakerOpen)
			}
		} else {
			cb.failures = 0
		}
	}
}

func (cb *CircuitBreaker) transitionTo(newState BreakerState) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	if newState == BreakerClosed {
		cb.failures = 0
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(old, newState)
	}
}
