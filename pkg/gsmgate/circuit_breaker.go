package gsmgate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of the dispatch circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when SMS dispatch is short-circuited
var ErrCircuitOpen = errors.New("dispatch circuit breaker is open")

// CircuitBreaker guards calls into the hardware driver
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	// State returns the current state
	State() BreakerState
}

// DriverBreaker opens after a run of consecutive driver failures and lets a
// single trial call through once ResetTimeout has elapsed.
type DriverBreaker struct {
	mu sync.Mutex

	state        BreakerState
	threshold    int
	resetTimeout time.Duration
	failures     int
	openedAt     time.Time
	trialRunning bool

	clock         func() time.Time
	onStateChange func(state BreakerState)
}

// NewDriverBreaker creates a closed breaker. clock may be nil.
func NewDriverBreaker(config CircuitBreakerConfig, clock func() time.Time,
	onStateChange func(state BreakerState)) *DriverBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &DriverBreaker{
		state:         BreakerClosed,
		threshold:     config.FailureThreshold,
		resetTimeout:  config.ResetTimeout,
		clock:         clock,
		onStateChange: onStateChange,
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports half_open.
func (b *DriverBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

func (b *DriverBreaker) current() BreakerState {
	if b.state == BreakerOpen && b.clock().Sub(b.openedAt) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Execute runs fn, recording its outcome. Context cancellation by the caller
// is not counted as a driver failure.
func (b *DriverBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.current() {
	case BreakerOpen:
		b.mu.Unlock()
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if b.trialRunning {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trialRunning = true
		b.transition(BreakerHalfOpen)
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialRunning = false

	if err == nil {
		b.failures = 0
		b.transition(BreakerClosed)
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.clock()
		b.transition(BreakerOpen)
	}
	return err
}

func (b *DriverBreaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(to)
	}
}
