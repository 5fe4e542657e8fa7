// Package echo provides Echo middleware for daily quota admission
package echo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// ReservationKey is the Echo context key holding the request's *gsmgate.Reservation
const ReservationKey = "gsmgate.reservation"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// MetricExtractor extracts the metered metric from an Echo context
type MetricExtractor func(c echo.Context) string

// AmountExtractor calculates the amount to reserve from the Echo context
type AmountExtractor func(c echo.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Quota is the tracker reservations are made against
	Quota *gsmgate.QuotaTracker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetMetric extracts the metric from context (required)
	GetMetric MetricExtractor

	// GetAmount calculates the amount from context (required)
	GetAmount AmountExtractor

	// QuotaExceededStatusCode is the HTTP status code to return when quota is exceeded
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// RefundOnServerError gives the reservation back when the handler
	// returns an error or answers with a 5xx status
	RefundOnServerError bool

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, uses default response: QuotaExceededStatusCode JSON with usage info
	OnQuotaExceeded func(c echo.Context, status gsmgate.UsageStatus) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that reserves quota before the
// handler runs
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Quota == nil {
		panic("gsmgate/echo: Config.Quota is required")
	}
	if cfg.GetUserID == nil {
		panic("gsmgate/echo: Config.GetUserID is required")
	}
	if cfg.GetMetric == nil {
		panic("gsmgate/echo: Config.GetMetric is required")
	}
	if cfg.GetAmount == nil {
		panic("gsmgate/echo: Config.GetAmount is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			metric := cfg.GetMetric(c)
			amount, err := cfg.GetAmount(c)
			if err != nil || amount <= 0 {
				if err == nil {
					err = fmt.Errorf("invalid amount: %d", amount)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ctx := c.Request().Context()
			reservation, err := cfg.Quota.CheckAndReserve(ctx, userID, metric, amount)
			if errors.Is(err, gsmgate.ErrQuotaExceeded) {
				status := currentStatus(ctx, cfg.Quota, userID, metric)
				setQuotaHeaders(c.Response().Header(), status.Limit, status.Used, status.Unlimited)
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, status)
				}
				return c.JSON(cfg.QuotaExceededStatusCode, map[string]interface{}{
					"error":     "Quota exceeded",
					"metric":    metric,
					"used":      status.Used,
					"limit":     status.Limit,
					"resets_at": status.ResetsAt,
				})
			}
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			setQuotaHeaders(c.Response().Header(), reservation.Limit, reservation.Used, reservation.Unlimited)
			c.Set(ReservationKey, reservation)

			err = next(c)
			if cfg.RefundOnServerError && failed(c, err) {
				_, _ = cfg.Quota.Release(context.WithoutCancel(ctx), reservation)
			}
			return err
		}
	}
}

// failed reports whether the handler outcome is a server error. A returned
// error is rendered by Echo after the middleware chain unwinds, so its code
// decides.
func failed(c echo.Context, err error) bool {
	if err == nil {
		return c.Response().Status >= http.StatusInternalServerError
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code >= http.StatusInternalServerError
	}
	return true
}

// GetReservation returns the reservation made for the current request
func GetReservation(c echo.Context) (*gsmgate.Reservation, bool) {
	res, ok := c.Get(ReservationKey).(*gsmgate.Reservation)
	return res, ok
}

func currentStatus(ctx context.Context, quota *gsmgate.QuotaTracker, userID, metric string) gsmgate.UsageStatus {
	all, err := quota.GetStatus(ctx, userID)
	if err != nil {
		return gsmgate.UsageStatus{Metric: metric}
	}
	return all[metric]
}

func setQuotaHeaders(h http.Header, limit, used int, unlimited bool) {
	h.Set("X-Quota-Used", strconv.Itoa(used))
	if unlimited {
		h.Set("X-Quota-Limit", "unlimited")
		return
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-Quota-Limit", strconv.Itoa(limit))
	h.Set("X-Quota-Remaining", strconv.Itoa(remaining))
}

// Convenience extractors

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedMetric returns a MetricExtractor that always returns a fixed metric name
func FixedMetric(metric string) MetricExtractor {
	return func(echo.Context) string {
		return metric
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(echo.Context) (int, error) {
		return amount, nil
	}
}

// FromQueryInt returns an AmountExtractor reading an integer query parameter
func FromQueryInt(name string) AmountExtractor {
	return func(c echo.Context) (int, error) {
		return strconv.Atoi(c.QueryParam(name))
	}
}
