package gsmgate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	drivermem "github.com/mihaimyh/gsmgate/driver/memory"
	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
	"github.com/mihaimyh/gsmgate/storage/memory"
)

// fakeClock is a settable clock shared by every component under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	clock        *fakeClock
	store        *memory.Storage
	driver       *drivermem.Driver
	pool         *gsmgate.PoolManager
	orchestrator *gsmgate.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:  newFakeClock(),
		store:  memory.New(),
		driver: drivermem.New(16),
	}

	pool, err := gsmgate.NewPoolManager(env.store, env.driver, gsmgate.PoolConfig{
		ErrorThreshold: 3,
		OfflineAfter:   time.Minute,
		Clock:          env.clock.Now,
	})
	require.NoError(t, err)
	env.pool = pool

	orch, err := gsmgate.NewOrchestrator(env.store, pool, env.driver, gsmgate.SessionConfig{
		DispatchTimeout: 50 * time.Millisecond,
		Clock:           env.clock.Now,
	})
	require.NoError(t, err)
	env.orchestrator = orch

	return env
}

func (e *testEnv) addModem(t *testing.T, id string, priority int) *gsmgate.Resource {
	t.Helper()
	res := &gsmgate.Resource{
		ID:         id,
		Kind:       gsmgate.KindModem,
		Identifier: "/dev/tty" + id,
		Priority:   priority,
	}
	require.NoError(t, e.pool.Register(context.Background(), res))
	return res
}

func (e *testEnv) status(t *testing.T, id string) gsmgate.ResourceStatus {
	t.Helper()
	res, err := e.store.GetResource(context.Background(), id)
	require.NoError(t, err)
	return res.Status
}
