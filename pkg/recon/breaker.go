package recon

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState is one of closed, open or half_open
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen means the recompute was skipped, not attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops detached recomputes from piling onto a failing
// aggregate store. After the reset timeout it lets exactly one trial call
// through; that call alone decides whether the breaker closes or reopens.
type CircuitBreaker struct {
	mu sync.Mutex

	state     CircuitBreakerState
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	probing   bool
	now       func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewCircuitBreaker opens after threshold consecutive failures and admits a
// trial call once cooldown has passed. onStateChange may be nil.
func NewCircuitBreaker(threshold int, cooldown time.Duration,
	onStateChange func(state CircuitBreakerState)) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		state:         StateClosed,
		threshold:     threshold,
		cooldown:      cooldown,
		now:           time.Now,
		onStateChange: onStateChange,
	}
}

// State reports the state a call arriving now would see
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.observe()
}

// observe moves open to half_open once the cooldown has elapsed. Callers hold mu.
func (cb *CircuitBreaker) observe() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

// Execute runs fn unless the breaker is open or a half-open trial is in flight.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.observe() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	trial := cb.probing
	cb.probing = false

	if err == nil {
		cb.failures = 0
		cb.transition(StateClosed)
		return
	}

	cb.failures++
	if trial || cb.failures >= cb.threshold {
		cb.openedAt = cb.now()
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(to)
	}
}
