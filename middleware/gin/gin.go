// Package gin provides Gin middleware for daily quota admission
package gin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// ReservationKey is the Gin context key holding the request's *gsmgate.Reservation
const ReservationKey = "gsmgate.reservation"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// MetricExtractor extracts the metered metric from a Gin context
// For example: "ai_minutes", "sms_count"
type MetricExtractor func(c *gongin.Context) string

// AmountExtractor calculates the amount to reserve from the Gin context
type AmountExtractor func(c *gongin.Context) (int, error)

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

	// RefundOnServerError gives the reservation back when the handler chain
	// answers with a 5xx status
	RefundOnServerError bool

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, uses default response: QuotaExceededStatusCode JSON with usage info
	OnQuotaExceeded func(c *gongin.Context, status gsmgate.UsageStatus)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that reserves quota before the
// handler runs
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Quota == nil {
		panic("gsmgate/gin: Config.Quota is required")
	}
	if cfg.GetUserID == nil {
		panic("gsmgate/gin: Config.GetUserID is required")
	}
	if cfg.GetMetric == nil {
		panic("gsmgate/gin: Config.GetMetric is required")
	}
	if cfg.GetAmount == nil {
		panic("gsmgate/gin: Config.GetAmount is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		metric := cfg.GetMetric(c)
		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil {
				err = fmt.Errorf("invalid amount: %d", amount)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		reservation, err := cfg.Quota.CheckAndReserve(ctx, userID, metric, amount)
		if errors.Is(err, gsmgate.ErrQuotaExceeded) {
			status := currentStatus(ctx, cfg.Quota, userID, metric)
			setQuotaHeaders(c, status.Limit, status.Used, status.Unlimited)
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, status)
			} else {
				c.JSON(cfg.QuotaExceededStatusCode, gongin.H{
					"error":     "Quota exceeded",
					"metric":    metric,
					"used":      status.Used,
					"limit":     status.Limit,
					"resets_at": status.ResetsAt,
				})
			}
			c.Abort()
			return
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		setQuotaHeaders(c, reservation.Limit, reservation.Used, reservation.Unlimited)
		c.Set(ReservationKey, reservation)

		c.Next()

		if cfg.RefundOnServerError && c.Writer.Status() >= http.StatusInternalServerError {
			_, _ = cfg.Quota.Release(context.WithoutCancel(ctx), reservation)
		}
	}
}

// GetReservation returns the reservation made for the current request
func GetReservation(c *gongin.Context) (*gsmgate.Reservation, bool) {
	val, exists := c.Get(ReservationKey)
	if !exists {
		return nil, false
	}
	res, ok := val.(*gsmgate.Reservation)
	return res, ok
}

func currentStatus(ctx context.Context, quota *gsmgate.QuotaTracker, userID, metric string) gsmgate.UsageStatus {
	all, err := quota.GetStatus(ctx, userID)
	if err != nil {
		return gsmgate.UsageStatus{Metric: metric}
	}
	return all[metric]
}

func setQuotaHeaders(c *gongin.Context, limit, used int, unlimited bool) {
	c.Header("X-Quota-Used", strconv.Itoa(used))
	if unlimited {
		c.Header("X-Quota-Limit", "unlimited")
		return
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-Quota-Limit", strconv.Itoa(limit))
	c.Header("X-Quota-Remaining", strconv.Itoa(remaining))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In quota middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Metric

// FixedMetric returns a MetricExtractor that always returns a fixed metric name
func FixedMetric(metric string) MetricExtractor {
	return func(*gongin.Context) string {
		return metric
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*gongin.Context) (int, error) {
		return amount, nil
	}
}

// FromQueryInt returns an AmountExtractor reading an integer query parameter
func FromQueryInt(name string) AmountExtractor {
	return func(c *gongin.Context) (int, error) {
		return strconv.Atoi(c.Query(name))
	}
}
