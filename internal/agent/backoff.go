package agent

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RetryStrategy spaces out waits on a relay that keeps failing.
type RetryStrategy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int // 0 = unlimited
	JitterPercent   float64
	Breaker         *CircuitBreaker

	currentInterval time.Duration
	attempts        int
	mu              sync.Mutex
}

func NewRetryStrategy(initial, max time.Duration, maxRetries int, jitter float64) *RetryStrategy {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &RetryStrategy{
		InitialInterval: initial,
		MaxInterval:     max,
		MaxRetries:      maxRetries,
		JitterPercent:   jitter,
		currentInterval: initial,
	}
}

// NextBackoff records a failure and returns how long to wait before the
// next attempt.
func (r *RetryStrategy) NextBackoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts++
	if r.Breaker != nil {
		r.Breaker.RecordFailure()
		if !r.Breaker.Allow() {
			return r.Breaker.resetTimeout
		}
	}

	jitter := time.Duration(0)
	if r.JitterPercent > 0 {
		jitter = time.Duration(float64(r.currentInterval) * r.JitterPercent * (rand.Float64()*2 - 1))
	}
	backoff := r.currentInterval + jitter

	r.currentInterval *= 2
	if r.currentInterval > r.MaxInterval {
		r.currentInterval = r.MaxInterval
	}
	return backoff
}

// Reset is called after a successful wait.
func (r *RetryStrategy) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentInterval = r.InitialInterval
	r.attempts = 0
	if r.Breaker != nil {
		r.Breaker.RecordSuccess()
	}
}

func (r *RetryStrategy) ShouldRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.MaxRetries == 0 || r.attempts < r.MaxRetries
}

func (r *RetryStrategy) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// CircuitBreaker stops hammering a relay after repeated failures.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	failures         int
	lastFailure      time.Time
	state            CircuitState
	mu               sync.Mutex
}

type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
	}
}

// Allow reports whether a call may go out now. An open breaker turns
// half-open once resetTimeout has passed since the last failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) > cb.resetTimeout {
		cb.state = StateHalfOpen
	}
	return cb.state != StateOpen
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
		}
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
