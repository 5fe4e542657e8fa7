package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return s
}

func addModem(t *testing.T, s *Storage, id string, priority int) {
	t.Helper()
	require.NoError(t, s.CreateResource(context.Background(), &gsmgate.Resource{
		ID:         id,
		Kind:       gsmgate.KindModem,
		Identifier: "/dev/" + id,
		Priority:   priority,
	}))
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "gsmgate:", s.config.KeyPrefix)
	assert.Equal(t, 3, s.config.MaxRetries)
	assert.Equal(t, 50, s.config.LeaseHistory)
}

func TestStorage_CreateAndListCandidates(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	addModem(t, s, "b", 1)
	addModem(t, s, "a", 1)
	addModem(t, s, "c", 5)
	require.NoError(t, s.CreateResource(ctx, &gsmgate.Resource{
		ID: "key1", Kind: gsmgate.KindAPIKey, Identifier: "sk-1",
	}))

	assert.Error(t, s.CreateResource(ctx, &gsmgate.Resource{ID: "a", Kind: gsmgate.KindModem}), "duplicate id")

	_, err := s.RecordResourceError(ctx, "a", "x", 0, time.Now())
	require.NoError(t, err)
	ok, err := s.SetResourceStatus(ctx, "a", []gsmgate.ResourceStatus{gsmgate.ResourceError}, gsmgate.ResourceAvailable, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.ListCandidates(ctx, gsmgate.KindModem, gsmgate.Criteria{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{got[0].ID, got[1].ID, got[2].ID})

	require.NoError(t, s.Assign(ctx, &gsmgate.Assignment{OwnerID: "acme", ResourceID: "a"}))
	got, err = s.ListCandidates(ctx, gsmgate.KindModem, gsmgate.Criteria{OwnerID: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	require.NoError(t, s.Unassign(ctx, "acme", "a"))
	got, err = s.ListCandidates(ctx, gsmgate.KindModem, gsmgate.Criteria{OwnerID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, s.Assign(ctx, &gsmgate.Assignment{OwnerID: "acme", ResourceID: "nope"}), gsmgate.ErrResourceNotFound)

	all, err := s.ListResources(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStorage_TryLeaseSingleWinner(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	addModem(t, s, "m1", 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.TryLease(ctx, "m1", fmt.Sprintf("sess-%d", i), time.Now())
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, gsmgate.ErrLeaseConflict)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	leases, err := s.ListOpenLeases(ctx)
	require.NoError(t, err)
	assert.Len(t, leases, 1)

	_, err = s.TryLease(ctx, "missing", "s", time.Now())
	assert.ErrorIs(t, err, gsmgate.ErrResourceNotFound)
}

func TestStorage_ReleaseLease(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	addModem(t, s, "m1", 0)

	_, err := s.TryLease(ctx, "m1", "s1", time.Now())
	require.NoError(t, err)

	ok, err := s.ReleaseLease(ctx, "m1", "intruder", "session", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ReleaseLease(ctx, "m1", "s1", "session", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReleaseLease(ctx, "m1", "s1", "session", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := s.GetResource(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, gsmgate.ResourceAvailable, res.Status)

	history, err := s.LeaseHistory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "s1", history[0].SessionID)
	assert.Equal(t, "session", history[0].ReleaseReason)
	assert.False(t, history[0].Open())
}

func TestStorage_ErrorThresholdAndReset(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	addModem(t, s, "m1", 0)

	_, err := s.TryLease(ctx, "m1", "s1", time.Now())
	require.NoError(t, err)

	res, err := s.RecordResourceError(ctx, "m1", "timeout", 2, time.Now())
	require.NoError(t, err)
	assert.Equal(t, gsmgate.ResourceError, res.Status)

	ok, err := s.SetResourceStatus(ctx, "m1", []gsmgate.ResourceStatus{gsmgate.ResourceError}, gsmgate.ResourceAvailable, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "open lease blocks the move to available")

	res, err = s.RecordResourceError(ctx, "m1", "timeout", 2, time.Now())
	require.NoError(t, err)
	assert.Equal(t, gsmgate.ResourceDisabled, res.Status)
	assert.Equal(t, "timeout", res.LastError)

	require.NoError(t, s.ResetResource(ctx, "m1", time.Now()))
	res, err = s.GetResource(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, gsmgate.ResourceAvailable, res.Status)
	assert.Zero(t, res.ErrorCount)

	lease, err := s.GetOpenLease(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, lease)

	assert.ErrorIs(t, s.ResetResource(ctx, "missing", time.Now()), gsmgate.ErrResourceNotFound)
	assert.ErrorIs(t, s.TouchResource(ctx, "missing", time.Now()), gsmgate.ErrResourceNotFound)
	_, err = s.RecordResourceError(ctx, "missing", "x", 1, time.Now())
	assert.ErrorIs(t, err, gsmgate.ErrResourceNotFound)
}

func TestStorage_Sessions(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	newSession := func(id, resourceID string, kind gsmgate.SessionKind, expires time.Duration) *gsmgate.Session {
		return &gsmgate.Session{
			ID:          id,
			Kind:        kind,
			ResourceID:  resourceID,
			Status:      gsmgate.SessionPending,
			MaxAttempts: 3,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(expires),
		}
	}
	require.NoError(t, s.CreateSession(ctx, newSession("p1", "card", gsmgate.SessionPaymentConfirmation, time.Hour)))
	require.NoError(t, s.CreateSession(ctx, newSession("l1", "otp", gsmgate.SessionLoginSMS, time.Minute)))

	pending, err := s.ListPendingSessions(ctx, gsmgate.SessionFilter{ResourceID: "card"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p1", pending[0].ID)

	pending, err = s.ListPendingSessions(ctx, gsmgate.SessionFilter{ExpiresBefore: now.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "l1", pending[0].ID)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Contention may exhaust retries; every committed write is counted once
			_, _ = s.UpdateSession(ctx, "p1", func(sess *gsmgate.Session) error {
				sess.Attempts++
				return nil
			})
		}()
	}
	wg.Wait()

	sess, err := s.GetSession(ctx, "p1")
	require.NoError(t, err)
	assert.LessOrEqual(t, sess.Attempts, 5)
	assert.Positive(t, sess.Attempts)

	_, err = s.UpdateSession(ctx, "p1", func(sess *gsmgate.Session) error {
		sess.Status = gsmgate.SessionConfirmed
		return nil
	})
	require.NoError(t, err)

	pending, err = s.ListPendingSessions(ctx, gsmgate.SessionFilter{ResourceID: "card"})
	require.NoError(t, err)
	assert.Empty(t, pending, "terminal sessions leave the pending indexes")

	sess, err = s.UpdateSession(ctx, "p1", func(sess *gsmgate.Session) error {
		return gsmgate.ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, gsmgate.SessionConfirmed, sess.Status)

	_, err = s.UpdateSession(ctx, "missing", func(*gsmgate.Session) error { return nil })
	assert.ErrorIs(t, err, gsmgate.ErrSessionNotFound)
}

func TestStorage_ReserveQuota(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	req := &gsmgate.ReserveRequest{UserID: "u1", Date: "2024-03-10", Metric: "ai_minutes", Amount: 200, Limit: 240}
	used, err := s.ReserveQuota(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 200, used)

	used, err = s.ReserveQuota(ctx, &gsmgate.ReserveRequest{UserID: "u1", Date: "2024-03-10", Metric: "ai_minutes", Amount: 50, Limit: 240})
	assert.ErrorIs(t, err, gsmgate.ErrQuotaExceeded)
	assert.Equal(t, 200, used)

	used, err = s.ReserveQuota(ctx, &gsmgate.ReserveRequest{UserID: "u1", Date: "2024-03-10", Metric: "ai_minutes", Amount: 40, Limit: 240})
	require.NoError(t, err)
	assert.Equal(t, 240, used)

	used, err = s.ReserveQuota(ctx, &gsmgate.ReserveRequest{
		UserID: "u1", Date: "2024-03-10", Metric: "sms_count", Amount: gsmgate.Unlimited, Limit: gsmgate.Unlimited, Unlimited: true,
	})
	require.NoError(t, err)
	assert.Equal(t, gsmgate.Unlimited, used)

	used, err = s.ReleaseQuota(ctx, "u1", "2024-03-10", "ai_minutes", 500)
	require.NoError(t, err)
	assert.Zero(t, used)

	used, err = s.ReleaseQuota(ctx, "u1", "2024-03-09", "ai_minutes", 1)
	require.NoError(t, err)
	assert.Zero(t, used)

	rows, err := s.GetQuotaUsage(ctx, "u1", "2024-03-10")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ai_minutes", rows[0].Metric)
	assert.Equal(t, 240, rows[0].Limit)
	assert.Equal(t, "sms_count", rows[1].Metric)

	_, err = s.ReserveQuota(ctx, &gsmgate.ReserveRequest{UserID: "u1", Metric: "x", Amount: 0})
	assert.ErrorIs(t, err, gsmgate.ErrInvalidAmount)
}

func TestStorage_Entitlement(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	_, err := s.GetEntitlement(ctx, "u1")
	assert.ErrorIs(t, err, gsmgate.ErrEntitlementNotFound)

	require.NoError(t, s.SetEntitlement(ctx, &gsmgate.Entitlement{UserID: "u1", Tier: "pro", Timezone: "Europe/Moscow"}))
	ent, err := s.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", ent.Tier)
	assert.Equal(t, "Europe/Moscow", ent.Timezone)
	assert.False(t, ent.UpdatedAt.IsZero())
}

func TestStorage_Now(t *testing.T) {
	s := setupTestStorage(t)

	serverTime, err := s.Now(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), serverTime, 5*time.Second)
	assert.Equal(t, time.UTC, serverTime.Location())
}
