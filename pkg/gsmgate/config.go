package gsmgate

import "time"

// PoolConfig holds PoolManager configuration
type PoolConfig struct {
	// ErrorThreshold is the error count at which a resource is disabled (default: 5)
	ErrorThreshold int

	// OfflineAfter is how long a resource may go without a successful health
	// probe before it is marked offline (default: 2 minutes)
	OfflineAfter time.Duration

	// HealthCheckTimeout bounds each driver health probe (default: 5 seconds)
	HealthCheckTimeout time.Duration

	// HealthConcurrency caps concurrent probes during a sweep (default: 8)
	HealthConcurrency int

	// APIKeyRate is the sustained number of leases per second allowed for a
	// single api_key resource. Zero disables throttling.
	APIKeyRate float64

	// APIKeyBurst is the token bucket size for api_key throttling (default: 1)
	APIKeyBurst int

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking pool operations (default: NoopMetrics)
	Metrics Metrics

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time
}

// SessionConfig holds Orchestrator configuration
type SessionConfig struct {
	// LoginTTL is the lifetime of login_sms sessions (default: 600s)
	LoginTTL time.Duration

	// PaymentTTL is the lifetime of payment_confirmation sessions (default: 1800s)
	PaymentTTL time.Duration

	// MaxAttempts is the default verify budget per session (default: 3)
	MaxAttempts int

	// CodeLength is the number of digits in login codes (default: 6)
	CodeLength int

	// ReferenceLength is the length of generated payment references (default: 6)
	ReferenceLength int

	// DispatchTimeout bounds a single SMS send attempt (default: 10 seconds)
	DispatchTimeout time.Duration

	// LoginMessage is the fmt template for login codes (default: "Your verification code is %s")
	LoginMessage string

	// PaymentMessage is the fmt template for payment references
	// (default: "Use reference %s in your transfer description")
	PaymentMessage string

	// Parser extracts amounts and references from bank SMS (default: NewSMSParser())
	Parser *SMSParser

	// CircuitBreakerConfig guards SMS dispatch; while open, sessions go straight to demo mode
	CircuitBreakerConfig *CircuitBreakerConfig

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking session operations (default: NoopMetrics)
	Metrics Metrics

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time
}

// QuotaConfig holds QuotaTracker configuration
type QuotaConfig struct {
	// Tiers maps tier names to their daily limits
	Tiers map[string]TierConfig

	// DefaultTier is used when a user has no entitlement (default: "free")
	DefaultTier string

	// DayBoundary selects the calendar for day rollover (default: DayBoundaryServer)
	DayBoundary DayBoundary

	// Location is the server calendar (default: UTC)
	Location *time.Location

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking reservations (default: NoopMetrics)
	Metrics Metrics

	// Clock returns the current time when the store has no TimeSource (default: time.Now)
	Clock func() time.Time
}

// RunnerConfig holds background loop intervals
type RunnerConfig struct {
	// HealthInterval is the period of PoolManager.HealthSweep (default: 30 seconds)
	HealthInterval time.Duration

	// ExpireInterval is the period of Orchestrator.ExpireSweep (default: 15 seconds)
	ExpireInterval time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}
