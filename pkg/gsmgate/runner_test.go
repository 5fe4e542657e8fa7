package gsmgate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

func TestRunner_ConsumesInboundAndSweeps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addModem(t, "card", 0)
	env.addModem(t, "otp", 0)

	payment, err := env.orchestrator.CreateSession(ctx, gsmgate.CreateSessionRequest{
		Kind:          gsmgate.SessionPaymentConfirmation,
		ReferenceCode: "AB12",
		Amount:        250000,
		Criteria:      gsmgate.Criteria{ExcludeIDs: []string{"otp"}},
	})
	require.NoError(t, err)
	require.Equal(t, "card", payment.ResourceID)

	login, err := env.orchestrator.CreateSession(ctx, gsmgate.CreateSessionRequest{
		Kind:    gsmgate.SessionLoginSMS,
		Subject: "+1",
	})
	require.NoError(t, err)
	require.Equal(t, "otp", login.ResourceID)

	runner := gsmgate.NewRunner(env.pool, env.orchestrator, env.driver, gsmgate.RunnerConfig{
		HealthInterval: 10 * time.Millisecond,
		ExpireInterval: 10 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx) }()

	// Noise first: it must be dropped without stopping the consumer
	env.driver.Receive(gsmgate.InboundSMS{ResourceID: "card", Body: "Your balance is 12"})
	env.driver.Receive(gsmgate.InboundSMS{ResourceID: "card", Body: "Transfer 250000 ref AB12"})

	assert.Eventually(t, func() bool {
		s, err := env.orchestrator.GetSession(ctx, payment.ID)
		return err == nil && s.Status == gsmgate.SessionConfirmed
	}, time.Second, 5*time.Millisecond)

	// The login session expires through the sweep, not through any request
	env.clock.Advance(601 * time.Second)
	assert.Eventually(t, func() bool {
		s, err := env.orchestrator.GetSession(ctx, login.ID)
		return err == nil && s.Status == gsmgate.SessionExpired
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, gsmgate.ResourceAvailable, env.status(t, "otp"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_MovesReclaimedSessionsToDemo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addModem(t, "card", 0)

	payment, err := env.orchestrator.CreateSession(ctx, gsmgate.CreateSessionRequest{
		Kind:          gsmgate.SessionPaymentConfirmation,
		ReferenceCode: "AB12",
		Amount:        250000,
	})
	require.NoError(t, err)
	require.Equal(t, "card", payment.ResourceID)

	env.driver.SetHealth("card", gsmgate.Health{Online: false}, nil)
	env.clock.Advance(2 * time.Minute)

	runner := gsmgate.NewRunner(env.pool, env.orchestrator, env.driver, gsmgate.RunnerConfig{
		HealthInterval: 10 * time.Millisecond,
		ExpireInterval: time.Hour,
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = runner.Run(runCtx) }()

	assert.Eventually(t, func() bool {
		s, err := env.orchestrator.GetSession(ctx, payment.ID)
		return err == nil && s.IsDemo && s.ResourceID == ""
	}, time.Second, 5*time.Millisecond)
}

func TestRunner_StopsWhenInboundCloses(t *testing.T) {
	env := newTestEnv(t)
	runner := gsmgate.NewRunner(nil, env.orchestrator, env.driver, gsmgate.RunnerConfig{})

	env.driver.Close()
	err := runner.Run(context.Background())
	assert.ErrorIs(t, err, gsmgate.ErrInboundClosed)
}
