package gsmgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDriverBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	var states []BreakerState
	cb := NewDriverBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}, clock,
		func(state BreakerState) { states = append(states, state) })

	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("fail") }
	ok := func(context.Context) error { return nil }

	assert.Equal(t, BreakerClosed, cb.State())

	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, BreakerClosed, cb.State())
	}

	// Third consecutive failure opens the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, BreakerOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	// Reset timeout elapses: one trial call is allowed
	now = now.Add(time.Minute)
	assert.Equal(t, BreakerHalfOpen, cb.State())

	// A failed trial re-opens immediately
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, BreakerOpen, cb.State())

	now = now.Add(time.Minute)
	assert.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, BreakerClosed, cb.State())

	assert.Equal(t, []BreakerState{
		BreakerOpen, BreakerHalfOpen, BreakerOpen, BreakerHalfOpen, BreakerClosed,
	}, states)
}

func TestDriverBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewDriverBreaker(CircuitBreakerConfig{FailureThreshold: 2}, nil, nil)
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("fail") }

	assert.Error(t, cb.Execute(ctx, fail))
	assert.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestDriverBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb := NewDriverBreaker(CircuitBreakerConfig{FailureThreshold: 1}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestDriverBreaker_SingleTrialWhenHalfOpen(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	cb := NewDriverBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, clock, nil)
	ctx := context.Background()
	assert.Error(t, cb.Execute(ctx, func(context.Context) error { return errors.New("fail") }))

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return nil }), ErrCircuitOpen)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, BreakerClosed, cb.State())
}
