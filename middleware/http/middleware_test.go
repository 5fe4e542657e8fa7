package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
	"github.com/mihaimyh/gsmgate/storage/memory"
)

// errorStorage fails every reservation
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) ReserveQuota(context.Context, *gsmgate.ReserveRequest) (int, error) {
	return 0, errors.New("connection refused")
}

// Test helper to create a test tracker
func setupTestTracker(t *testing.T, store gsmgate.QuotaStore) *gsmgate.QuotaTracker {
	t.Helper()

	if store == nil {
		store = memory.New()
	}
	tracker, err := gsmgate.NewQuotaTracker(store, gsmgate.QuotaConfig{
		DefaultTier: "free",
		Tiers: map[string]gsmgate.TierConfig{
			"free":      {DailyLimits: map[string]int{"ai_minutes": 10}},
			"pro":       {DailyLimits: map[string]int{"ai_minutes": 1000}},
			"unlimited": {DailyLimits: map[string]int{"ai_minutes": gsmgate.Unlimited}},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	return tracker
}

func setupEntitlement(t *testing.T, tracker *gsmgate.QuotaTracker, userID, tier string) {
	t.Helper()

	if err := tracker.SetEntitlement(context.Background(), &gsmgate.Entitlement{UserID: userID, Tier: tier}); err != nil {
		t.Fatalf("Failed to set entitlement: %v", err)
	}
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("success"))
}

func TestMiddleware_Success(t *testing.T) {
	tracker := setupTestTracker(t, nil)
	setupEntitlement(t, tracker, "user1", "pro")

	var seen *gsmgate.Reservation
	handler := Middleware(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("ai_minutes"),
		GetAmount: FixedAmount(3),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ReservationFromContext(r.Context())
		okHandler(w, r)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "success" {
		t.Errorf("Expected 'success', got %s", rec.Body.String())
	}
	if got := rec.Header().Get("X-Quota-Remaining"); got != "997" {
		t.Errorf("Expected X-Quota-Remaining 997, got %q", got)
	}
	if seen == nil || seen.Amount != 3 || seen.Used != 3 {
		t.Errorf("Expected reservation of 3 in context, got %+v", seen)
	}
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	tracker := setupTestTracker(t, nil)
	setupEntitlement(t, tracker, "user1", "free")

	if _, err := tracker.CheckAndReserve(context.Background(), "user1", "ai_minutes", 9); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	called := false
	handler := Middleware(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("ai_minutes"),
		GetAmount: FixedAmount(2),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}
	if called {
		t.Error("Handler must not run when quota is exceeded")
	}
	if !strings.Contains(rec.Body.String(), "9/10") {
		t.Errorf("Expected usage in body, got %q", rec.Body.String())
	}
	if got := rec.Header().Get("X-Quota-Remaining"); got != "1" {
		t.Errorf("Expected X-Quota-Remaining 1, got %q", got)
	}

	// The rejected request left the counter untouched
	status, err := tracker.GetStatus(context.Background(), "user1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status["ai_minutes"].Used != 9 {
		t.Errorf("Expected used 9, got %d", status["ai_minutes"].Used)
	}
}

func TestMiddleware_CustomQuotaExceeded(t *testing.T) {
	tracker := setupTestTracker(t, nil)

	var got gsmgate.UsageStatus
	handler := Middleware(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("ai_minutes"),
		GetAmount: FixedAmount(11),
		OnQuotaExceeded: func(w http.ResponseWriter, _ *http.Request, status gsmgate.UsageStatus) {
			got = status
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
	if got.Limit != 10 || got.Metric != "ai_minutes" {
		t.Errorf("Unexpected status %+v", got)
	}
}

func TestMiddleware_Unlimited(t *testing.T) {
	tracker := setupTestTracker(t, nil)
	setupEntitlement(t, tracker, "user1", "unlimited")

	handler := Middleware(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("ai_minutes"),
		GetAmount: FixedAmount(5000),
	})(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Quota-Limit") != "unlimited" {
		t.Errorf("Expected unlimited header, got %q", rec.Header().Get("X-Quota-Limit"))
	}
	if rec.Header().Get("X-Quota-Used") != "5000" {
		t.Errorf("Expected usage to be metered, got %q", rec.Header().Get("X-Quota-Used"))
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	tracker := setupTestTracker(t, nil)

	handler := Middleware(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("ai_minutes"),
		GetAmount: FixedAmount(1),
	})(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_InvalidAmount(t *testing.T) {
	tracker := setupTestTracker(t, nil)

	handler := Middleware(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("ai_minutes"),
		GetAmount: FromQueryInt("minutes"),
	})(http.HandlerFunc(okHandler))

	for _, target := range []string{"/?minutes=abc", "/?minutes=0", "/"} {
		req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
		req.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", target, rec.Code)
		}
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	tracker := setupTestTracker(t, &errorStorage{Storage: memory.New()})

	var gotErr error
	handler := Middleware(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("ai_minutes"),
		GetAmount: FixedAmount(1),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "connection refused") {
		t.Errorf("Expected storage error, got %v", gotErr)
	}
}

func TestMiddleware_RefundOnServerError(t *testing.T) {
	tracker := setupTestTracker(t, nil)

	handler := Middleware(Config{
		Quota:               tracker,
		GetUserID:           FromHeader("X-User-ID"),
		GetMetric:           FixedMetric("ai_minutes"),
		GetAmount:           FixedAmount(4),
		RefundOnServerError: true,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		okHandler(w, r)
	}))

	for _, path := range []string{"/fail", "/ok", "/fail"} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		req.Header.Set("X-User-ID", "user1")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	status, err := tracker.GetStatus(context.Background(), "user1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status["ai_minutes"].Used != 4 {
		t.Errorf("Expected only the successful request to be charged, got %d", status["ai_minutes"].Used)
	}
}

func TestMiddleware_PanicsWithoutTracker(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing tracker")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID"), GetMetric: FixedMetric("m"), GetAmount: FixedAmount(1)})
}

func TestHandlerFunc(t *testing.T) {
	tracker := setupTestTracker(t, nil)

	wrapped := HandlerFunc(Config{
		Quota:     tracker,
		GetUserID: FromContext(UserIDKey),
		GetMetric: FixedMetric("ai_minutes"),
		GetAmount: FixedAmount(1),
	})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	rec := httptest.NewRecorder()
	wrapped(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestBodyLength(t *testing.T) {
	extract := BodyLength()

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("hello world"))
	n, err := extract(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 11 {
		t.Errorf("Expected 11, got %d", n)
	}

	body, _ := io.ReadAll(req.Body)
	if string(body) != "hello world" {
		t.Errorf("Body was not restored, got %q", body)
	}
}
