package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	drivermem "github.com/mihaimyh/gsmgate/driver/memory"
	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
	"github.com/mihaimyh/gsmgate/storage/memory"
)

const testUserID = "user123"

type testEnv struct {
	store        *memory.Storage
	quota        *gsmgate.QuotaTracker
	pool         *gsmgate.PoolManager
	orchestrator *gsmgate.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	driver := drivermem.New(4)
	t.Cleanup(driver.Close)

	quota, err := gsmgate.NewQuotaTracker(store, gsmgate.QuotaConfig{
		Tiers: map[string]gsmgate.TierConfig{
			"free": {Name: "free", DailyLimits: map[string]int{"sms_count": 10}},
			"pro": {Name: "pro", DailyLimits: map[string]int{
				"sms_count":  100,
				"ai_minutes": gsmgate.Unlimited,
			}},
		},
	})
	require.NoError(t, err)

	pool, err := gsmgate.NewPoolManager(store, driver, gsmgate.PoolConfig{})
	require.NoError(t, err)

	orch, err := gsmgate.NewOrchestrator(store, pool, driver, gsmgate.SessionConfig{})
	require.NoError(t, err)

	return &testEnv{store: store, quota: quota, pool: pool, orchestrator: orch}
}

func (e *testEnv) handler(t *testing.T) *Handler {
	t.Helper()
	h, err := NewHandler(Config{
		Quota:        e.quota,
		Pool:         e.pool,
		Orchestrator: e.orchestrator,
		GetUserID:    FromHeader("X-User-ID"),
	})
	require.NoError(t, err)
	return h
}

func TestNewHandler_Validate(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	env := newTestEnv(t)
	_, err = NewHandler(Config{Quota: env.quota})
	assert.Error(t, err, "quota without GetUserID")

	_, err = NewHandler(Config{Pool: env.pool})
	assert.NoError(t, err)
}

func TestHandler_GetUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.quota.SetEntitlement(ctx, &gsmgate.Entitlement{UserID: testUserID, Tier: "pro"}))
	_, err := env.quota.CheckAndReserve(ctx, testUserID, "sms_count", 25)
	require.NoError(t, err)
	_, err = env.quota.CheckAndReserve(ctx, testUserID, "ai_minutes", 7)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/usage", http.NoBody)
	req.Header.Set("X-User-ID", testUserID)
	w := httptest.NewRecorder()
	env.handler(t).Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response UsageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, testUserID, response.UserID)
	assert.Equal(t, "pro", response.Tier)

	sms := response.Metrics["sms_count"]
	assert.Equal(t, 100, sms.Limit)
	assert.Equal(t, 25, sms.Used)
	assert.Equal(t, 75, sms.Remaining)
	assert.True(t, sms.ResetsAt.After(time.Now()))

	ai := response.Metrics["ai_minutes"]
	assert.Equal(t, -1, ai.Limit)
	assert.Equal(t, -1, ai.Remaining)
	assert.Equal(t, 7, ai.Used, "unlimited tiers are still metered")
}

func TestHandler_GetUsage_DefaultTier(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/usage", http.NoBody)
	req.Header.Set("X-User-ID", "new-user")
	w := httptest.NewRecorder()
	env.handler(t).GetUsage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var response UsageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Empty(t, response.Tier, "no entitlement stored")
	assert.Equal(t, 10, response.Metrics["sms_count"].Limit)
	assert.Equal(t, 0, response.Metrics["sms_count"].Used)
}

func TestHandler_GetUsage_Errors(t *testing.T) {
	env := newTestEnv(t)
	h := env.handler(t)

	t.Run("missing user", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.GetUsage(w, httptest.NewRequest(http.MethodGet, "/usage", http.NoBody))
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "user ID not found", body["error"])
	})

	t.Run("user id too long", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/usage", http.NoBody)
		long := make([]byte, maxUserIDLen+1)
		for i := range long {
			long[i] = 'a'
		}
		req.Header.Set("X-User-ID", string(long))
		w := httptest.NewRecorder()
		h.GetUsage(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not configured", func(t *testing.T) {
		poolOnly, err := NewHandler(Config{Pool: env.pool})
		require.NoError(t, err)
		w := httptest.NewRecorder()
		poolOnly.GetUsage(w, httptest.NewRequest(http.MethodGet, "/usage", http.NoBody))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandler_CustomOnError(t *testing.T) {
	env := newTestEnv(t)
	var got error
	h, err := NewHandler(Config{
		Quota:     env.quota,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.GetUsage(w, httptest.NewRequest(http.MethodGet, "/usage", http.NoBody))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.EqualError(t, got, "user ID not found")
}

func TestHandler_ListResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.pool.Register(ctx, &gsmgate.Resource{ID: "m2", Kind: gsmgate.KindModem, Identifier: "/dev/ttyUSB1"}))
	require.NoError(t, env.pool.Register(ctx, &gsmgate.Resource{ID: "m1", Kind: gsmgate.KindModem, Identifier: "/dev/ttyUSB0", RoleType: "otp"}))
	require.NoError(t, env.pool.Register(ctx, &gsmgate.Resource{ID: "k1", Kind: gsmgate.KindAPIKey, Identifier: "sk-secret"}))
	_, err := env.pool.MarkError(ctx, "m2", "no carrier")
	require.NoError(t, err)

	h := env.handler(t).Routes()

	t.Run("all", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resources", http.NoBody))
		require.Equal(t, http.StatusOK, w.Code)

		var response ResourcesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		require.Len(t, response.Resources, 3)
		assert.Equal(t, "k1", response.Resources[0].ID)
		assert.Empty(t, response.Resources[0].Identifier, "api keys are not exposed")
		assert.NotContains(t, w.Body.String(), "sk-secret")
		assert.Equal(t, "/dev/ttyUSB0", response.Resources[1].Identifier)
		assert.Equal(t, "error", response.Resources[2].Status)
		assert.Equal(t, 1, response.Resources[2].ErrorCount)
		assert.Equal(t, "no carrier", response.Resources[2].LastError)
	})

	t.Run("by kind", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resources?kind=modem", http.NoBody))
		require.Equal(t, http.StatusOK, w.Code)

		var response ResourcesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Len(t, response.Resources, 2)
	})

	t.Run("unknown kind", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resources?kind=fax", http.NoBody))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandler_GetSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.handler(t).Routes()

	// Empty pool: the session runs in demo mode
	s, err := env.orchestrator.CreateSession(ctx, gsmgate.CreateSessionRequest{
		Kind:    gsmgate.SessionLoginSMS,
		Subject: "+15550001",
	})
	require.NoError(t, err)
	require.True(t, s.IsDemo)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/"+s.ID, http.NoBody))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var response SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, s.ID, response.ID)
	assert.Equal(t, "pending", response.Status)
	assert.True(t, response.IsDemo)
	assert.Equal(t, s.Secret, response.DemoCode)

	outcome, err := env.orchestrator.VerifyCode(ctx, s.ID, s.Secret)
	require.NoError(t, err)
	require.Equal(t, gsmgate.OutcomeConfirmed, outcome)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/"+s.ID, http.NoBody))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "confirmed", response.Status)
	assert.NotNil(t, response.ConfirmedAt)
}

func TestHandler_GetSession_HidesSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.pool.Register(ctx, &gsmgate.Resource{ID: "m1", Kind: gsmgate.KindModem, Identifier: "/dev/ttyUSB0"}))

	s, err := env.orchestrator.CreateSession(ctx, gsmgate.CreateSessionRequest{
		Kind:    gsmgate.SessionLoginSMS,
		Subject: "+15550001",
	})
	require.NoError(t, err)
	require.False(t, s.IsDemo)

	w := httptest.NewRecorder()
	env.handler(t).Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/"+s.ID, http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)

	var response SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.False(t, response.IsDemo)
	assert.Empty(t, response.DemoCode)
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestHandler_GetSession_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.handler(t).Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/nope", http.NoBody))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, gsmgate.ErrSessionNotFound.Error(), body["error"])
}

type contextKey string

func TestFromContext(t *testing.T) {
	get := FromContext(contextKey("uid"))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Empty(t, get(req))

	req = req.WithContext(context.WithValue(req.Context(), contextKey("uid"), "u1"))
	assert.Equal(t, "u1", get(req))
}
