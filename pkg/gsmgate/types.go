package gsmgate

import (
	"time"
)

// ResourceKind identifies what a leasable resource is
type ResourceKind string

const (
	// KindModem is a physical GSM modem able to send and receive SMS
	KindModem ResourceKind = "modem"
	// KindAPIKey is a rate-limited external API credential
	KindAPIKey ResourceKind = "api_key"
)

// ResourceStatus is the lifecycle state of a resource
type ResourceStatus string

const (
	ResourceAvailable ResourceStatus = "available"
	ResourceLeased    ResourceStatus = "leased"
	ResourceOffline   ResourceStatus = "offline"
	ResourceError     ResourceStatus = "error"
	ResourceDisabled  ResourceStatus = "disabled"
)

// Resource is a leasable unit: a GSM modem or an API key.
// At most one open Lease references a resource at any instant.
type Resource struct {
	ID         string
	Kind       ResourceKind
	Identifier string // device path, phone number or key string

	// RoleType narrows modem selection (e.g. "otp", "bank_monitor")
	RoleType string

	Status     ResourceStatus
	Priority   int
	ErrorCount int
	LastError  string
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Lease is an exclusive claim on a Resource by a Session.
// ReleasedAt is nil while the lease is open.
type Lease struct {
	ResourceID    string
	SessionID     string
	LeasedAt      time.Time
	ReleasedAt    *time.Time
	ReleaseReason string
}

// Open reports whether the lease is still held
func (l *Lease) Open() bool {
	return l.ReleasedAt == nil
}

// Assignment links an owner (e.g. a company configuration) to a resource.
// Neither side owns the other; both are referenced by id.
type Assignment struct {
	OwnerID    string
	ResourceID string
	CreatedAt  time.Time
}

// Criteria filters lease candidates
type Criteria struct {
	// RoleType matches Resource.RoleType when non-empty
	RoleType string

	// OwnerID restricts candidates to resources assigned to this owner
	OwnerID string

	// ExcludeIDs are never selected (used for alternate-resource retries)
	ExcludeIDs []string
}

func (c Criteria) excludes(id string) bool {
	for _, ex := range c.ExcludeIDs {
		if ex == id {
			return true
		}
	}
	return false
}

// SessionKind identifies the verification workflow
type SessionKind string

const (
	SessionLoginSMS            SessionKind = "login_sms"
	SessionPaymentConfirmation SessionKind = "payment_confirmation"
)

// SessionStatus is the verification session state. Pending is the only
// non-terminal state.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionConfirmed SessionStatus = "confirmed"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transition is possible
func (s SessionStatus) Terminal() bool {
	return s != SessionPending
}

// Session is a pending login-SMS or payment-confirmation workflow
type Session struct {
	ID      string
	Kind    SessionKind
	Subject string // phone number or user id

	// Recipient receives the dispatched code or reference. For login
	// sessions it defaults to Subject.
	Recipient string

	// Secret is the expected login code
	Secret string

	// Payment correlation
	ReferenceCode string
	Amount        int64
	Tolerance     int64

	// ResourceID is empty iff the session runs in demo mode
	ResourceID string

	Status      SessionStatus
	Attempts    int
	MaxAttempts int
	IsDemo      bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	ConfirmedAt *time.Time
}

// DemoCode returns the code the caller must show the user when no
// hardware delivered it. Empty for hardware-backed sessions.
func (s *Session) DemoCode() string {
	if !s.IsDemo {
		return ""
	}
	if s.Kind == SessionPaymentConfirmation {
		return s.ReferenceCode
	}
	return s.Secret
}

// ExpiredAt reports whether the session deadline has passed at now
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// InboundSMS is a message received on a resource. It is not persisted
// beyond processing except for audit logging.
type InboundSMS struct {
	ResourceID string
	Sender     string
	Body       string
	ReceivedAt time.Time
}

// Unlimited is the tier limit sentinel; any limit at or above it is unlimited
const Unlimited = 999999

// UsageQuota is one per-user, per-day, per-metric counter
type UsageQuota struct {
	UserID    string
	Date      string // day bucket, "2006-01-02"
	Metric    string
	Used      int
	Limit     int
	UpdatedAt time.Time
}

// Entitlement carries the tier and timezone of a subscriber. It is
// written by the billing layer.
type Entitlement struct {
	UserID    string
	Tier      string
	Timezone  string // IANA name, optional
	UpdatedAt time.Time
}

// TierConfig defines daily limits for a subscription tier
type TierConfig struct {
	Name string

	// DailyLimits maps metric names (e.g. "ai_minutes", "sms_count") to limits
	DailyLimits map[string]int
}

// DayBoundary selects which calendar decides when a quota day rolls over
type DayBoundary string

const (
	// DayBoundaryServer uses QuotaConfig.Location for every user
	DayBoundaryServer DayBoundary = "server"
	// DayBoundarySubscriber uses Entitlement.Timezone, falling back to QuotaConfig.Location
	DayBoundarySubscriber DayBoundary = "subscriber"
)
