// Package fiber provides Fiber middleware for daily quota admission
package fiber

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// ReservationKey is the Locals key holding the request's *gsmgate.Reservation
const ReservationKey = "gsmgate.reservation"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// MetricExtractor extracts the metered metric from a Fiber context
type MetricExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the amount to reserve from the Fiber context
type AmountExtractor func(c *fiber.Ctx) (int, error)

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
	OnQuotaExceeded func(c *fiber.Ctx, status gsmgate.UsageStatus) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that reserves quota before the
// handler runs
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Quota == nil {
		panic("gsmgate/fiber: Config.Quota is required")
	}
	if cfg.GetUserID == nil {
		panic("gsmgate/fiber: Config.GetUserID is required")
	}
	if cfg.GetMetric == nil {
		panic("gsmgate/fiber: Config.GetMetric is required")
	}
	if cfg.GetAmount == nil {
		panic("gsmgate/fiber: Config.GetAmount is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = fiber.StatusTooManyRequests
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
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
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		// Fiber uses fasthttp, so the request context comes from UserContext
		ctx := c.UserContext()

		reservation, err := cfg.Quota.CheckAndReserve(ctx, userID, metric, amount)
		if errors.Is(err, gsmgate.ErrQuotaExceeded) {
			status := currentStatus(ctx, cfg.Quota, userID, metric)
			setQuotaHeaders(c, status.Limit, status.Used, status.Unlimited)
			if cfg.OnQuotaExceeded != nil {
				return cfg.OnQuotaExceeded(c, status)
			}
			return c.Status(cfg.QuotaExceededStatusCode).JSON(fiber.Map{
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
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		setQuotaHeaders(c, reservation.Limit, reservation.Used, reservation.Unlimited)
		c.Locals(ReservationKey, reservation)

		err = c.Next()
		if cfg.RefundOnServerError && failed(c, err) {
			_, _ = cfg.Quota.Release(context.WithoutCancel(ctx), reservation)
		}
		return err
	}
}

func failed(c *fiber.Ctx, err error) bool {
	if err == nil {
		return c.Response().StatusCode() >= fiber.StatusInternalServerError
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code >= fiber.StatusInternalServerError
	}
	return true
}

// GetReservation returns the reservation made for the current request
func GetReservation(c *fiber.Ctx) (*gsmgate.Reservation, bool) {
	res, ok := c.Locals(ReservationKey).(*gsmgate.Reservation)
	return res, ok
}

func currentStatus(ctx context.Context, quota *gsmgate.QuotaTracker, userID, metric string) gsmgate.UsageStatus {
	all, err := quota.GetStatus(ctx, userID)
	if err != nil {
		return gsmgate.UsageStatus{Metric: metric}
	}
	return all[metric]
}

func setQuotaHeaders(c *fiber.Ctx, limit, used int, unlimited bool) {
	c.Set("X-Quota-Used", strconv.Itoa(used))
	if unlimited {
		c.Set("X-Quota-Limit", "unlimited")
		return
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	c.Set("X-Quota-Limit", strconv.Itoa(limit))
	c.Set("X-Quota-Remaining", strconv.Itoa(remaining))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In quota middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Metric and Amount

// FixedMetric returns a MetricExtractor that always returns a fixed metric name
func FixedMetric(metric string) MetricExtractor {
	return func(*fiber.Ctx) string {
		return metric
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int) AmountExtractor {
	return func(*fiber.Ctx) (int, error) {
		return amount, nil
	}
}

// FromQueryInt returns an AmountExtractor reading an integer query parameter
func FromQueryInt(name string) AmountExtractor {
	return func(c *fiber.Ctx) (int, error) {
		return strconv.Atoi(c.Query(name))
	}
}
