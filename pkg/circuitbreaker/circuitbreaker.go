package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips after more than maxFailures errors inside window and
// rejects calls until timeout has passed, then lets one probe through.
type CircuitBreaker struct {
	maxFailures     int
	window          time.Duration
	failures        []time.Time
	timeout         time.Duration
	lastFailureTime time.Time
	state           State
	now             func() time.Time
	mu              sync.Mutex
}

func NewCircuitBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreakerWithWindow(maxFailures, timeout, 60*time.Second)
}

func NewCircuitBreakerWithWindow(maxFailures int, timeout time.Duration, window time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: maxFailures,
		window:      window,
		timeout:     timeout,
		state:       StateClosed,
		failures:    make([]time.Time, 0),
		now:         time.Now,
	}
}

// Do runs fn unless the breaker is open. Context cancellation by the caller is
// not counted as a store failure.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailureTime) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.failures = cb.failures[:0]
		return true
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if err != nil {
		cb.lastFailureTime = now
		cb.failures = append(cb.failures, now)
		cb.cleanOldFailures(now)
		if len(cb.failures) > cb.maxFailures || cb.state == StateHalfOpen {
			cb.state = StateOpen
		}
		return
	}

	cb.cleanOldFailures(now)
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.failures = cb.failures[:0]
	}
}

func (cb *CircuitBreaker) cleanOldFailures(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
