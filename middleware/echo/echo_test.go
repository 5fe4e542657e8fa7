package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
	"github.com/mihaimyh/gsmgate/storage/memory"
)

// errorStorage is a mock storage that always fails on ReserveQuota
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
			"free": {Name: "free", DailyLimits: map[string]int{"sms_count": 10}},
			"pro":  {Name: "pro", DailyLimits: map[string]int{"sms_count": 1000}},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	return tracker
}

func newApp(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/api/send", func(c echo.Context) error {
		res, ok := GetReservation(c)
		if !ok {
			return c.String(http.StatusInternalServerError, "no reservation")
		}
		return c.JSON(http.StatusOK, map[string]int{"used": res.Used})
	})
	e.GET("/api/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "modem offline")
	})
	e.GET("/api/reject", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad recipient")
	})
	return e
}

func do(e *echo.Echo, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	tracker := setupTestTracker(t, nil)
	e := newApp(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("sms_count"),
		GetAmount: FixedAmount(2),
	})

	rec := do(e, "/api/send", "user1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["used"] != 2 {
		t.Errorf("Expected used 2, got %d", body["used"])
	}
	if rec.Header().Get("X-Quota-Remaining") != "8" {
		t.Errorf("Expected X-Quota-Remaining 8, got %q", rec.Header().Get("X-Quota-Remaining"))
	}
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	tracker := setupTestTracker(t, nil)
	e := newApp(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("sms_count"),
		GetAmount: FixedAmount(4),
	})

	for i := 0; i < 2; i++ {
		if rec := do(e, "/api/send", "user1"); rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i, rec.Code)
		}
	}

	rec := do(e, "/api/send", "user1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["used"] != float64(8) || body["limit"] != float64(10) {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestMiddleware_CustomStatusCode(t *testing.T) {
	tracker := setupTestTracker(t, nil)
	e := newApp(Config{
		Quota:                   tracker,
		GetUserID:               FromHeader("X-User-ID"),
		GetMetric:               FixedMetric("sms_count"),
		GetAmount:               FixedAmount(11),
		QuotaExceededStatusCode: http.StatusPaymentRequired,
	})

	if rec := do(e, "/api/send", "user1"); rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	tracker := setupTestTracker(t, nil)
	e := newApp(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("sms_count"),
		GetAmount: FixedAmount(1),
	})

	if rec := do(e, "/api/send", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	tracker := setupTestTracker(t, &errorStorage{Storage: memory.New()})
	e := newApp(Config{
		Quota:     tracker,
		GetUserID: FromHeader("X-User-ID"),
		GetMetric: FixedMetric("sms_count"),
		GetAmount: FixedAmount(1),
	})

	if rec := do(e, "/api/send", "user1"); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_RefundOnServerError(t *testing.T) {
	tracker := setupTestTracker(t, nil)
	e := newApp(Config{
		Quota:               tracker,
		GetUserID:           FromHeader("X-User-ID"),
		GetMetric:           FixedMetric("sms_count"),
		GetAmount:           FixedAmount(3),
		RefundOnServerError: true,
	})

	if rec := do(e, "/api/fail", "user1"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	if rec := do(e, "/api/reject", "user1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}

	status, err := tracker.GetStatus(context.Background(), "user1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status["sms_count"].Used != 3 {
		t.Errorf("Expected only the client error to be charged, got %d", status["sms_count"].Used)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing GetMetric")
		}
	}()
	Middleware(Config{Quota: setupTestTracker(t, nil), GetUserID: FromHeader("X-User-ID"), GetAmount: FixedAmount(1)})
}
