// Package http provides net/http middleware for daily quota admission
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// MetricExtractor extracts the metered metric from an HTTP request
// For example: "ai_minutes", "sms_count"
type MetricExtractor func(r *http.Request) string

// AmountExtractor calculates the amount to reserve from the request
type AmountExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Quota is the tracker reservations are made against
	Quota *gsmgate.QuotaTracker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetMetric extracts the metric from request (required)
	GetMetric MetricExtractor

	// GetAmount calculates the amount from request (required)
	GetAmount AmountExtractor

	// RefundOnServerError gives the reservation back when the wrapped
	// handler answers with a 5xx status
	RefundOnServerError bool

	// OnQuotaExceeded is called when the daily limit is reached
	// If nil, returns 429 Too Many Requests
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, status gsmgate.UsageStatus)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type reservationKey struct{}

// ReservationFromContext returns the reservation made for the current request
func ReservationFromContext(ctx context.Context) (*gsmgate.Reservation, bool) {
	res, ok := ctx.Value(reservationKey{}).(*gsmgate.Reservation)
	return res, ok
}

// Middleware creates an HTTP middleware that reserves quota before the
// wrapped handler runs
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Quota == nil {
		panic("gsmgate/http: Config.Quota is required")
	}
	if config.GetUserID == nil || config.GetMetric == nil || config.GetAmount == nil {
		panic("gsmgate/http: Config.GetUserID, GetMetric and GetAmount are required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			metric := config.GetMetric(r)
			amount, err := config.GetAmount(r)
			if err == nil && amount <= 0 {
				err = fmt.Errorf("invalid amount: %d", amount)
			}
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			ctx := r.Context()
			reservation, err := config.Quota.CheckAndReserve(ctx, userID, metric, amount)
			if errors.Is(err, gsmgate.ErrQuotaExceeded) {
				status := currentStatus(ctx, config.Quota, userID, metric)
				setQuotaHeaders(w.Header(), status.Limit, status.Used, status.Unlimited)
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, status)
				} else {
					msg := fmt.Sprintf("Quota exceeded: %d/%d %s used today", status.Used, status.Limit, metric)
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			setQuotaHeaders(w.Header(), reservation.Limit, reservation.Used, reservation.Unlimited)
			r = r.WithContext(context.WithValue(ctx, reservationKey{}, reservation))

			if !config.RefundOnServerError {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusInternalServerError {
				_, _ = config.Quota.Release(context.WithoutCancel(ctx), reservation)
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// currentStatus reads today's counter for the rejection response. A failed
// read yields a zero status rather than masking the rejection.
func currentStatus(ctx context.Context, quota *gsmgate.QuotaTracker, userID, metric string) gsmgate.UsageStatus {
	all, err := quota.GetStatus(ctx, userID)
	if err != nil {
		return gsmgate.UsageStatus{Metric: metric}
	}
	return all[metric]
}

func setQuotaHeaders(h http.Header, limit, used int, unlimited bool) {
	if unlimited {
		h.Set("X-Quota-Limit", "unlimited")
		h.Set("X-Quota-Used", strconv.Itoa(used))
		return
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-Quota-Limit", strconv.Itoa(limit))
	h.Set("X-Quota-Used", strconv.Itoa(used))
	h.Set("X-Quota-Remaining", strconv.Itoa(remaining))
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*http.Request) (int, error) {
		return amount, nil
	}
}

// BodyLength returns an AmountExtractor that uses the request body length
func BodyLength() AmountExtractor {
	return func(r *http.Request) (int, error) {
		if r.Body == nil {
			return 0, nil
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			return 0, err
		}

		// Restore body for next handler
		r.Body = io.NopCloser(bytes.NewReader(body))

		return len(body), nil
	}
}

// FromQueryInt returns an AmountExtractor reading an integer query parameter,
// e.g. ?minutes=3
func FromQueryInt(name string) AmountExtractor {
	return func(r *http.Request) (int, error) {
		return strconv.Atoi(r.URL.Query().Get(name))
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "gsmgate:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedMetric returns a MetricExtractor that always returns a fixed metric name
func FixedMetric(metric string) MetricExtractor {
	return func(*http.Request) string {
		return metric
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
