package api

import "time"

// UsageResponse is today's quota standing of a user
type UsageResponse struct {
	UserID   string                 `json:"user_id"`
	Tier     string                 `json:"tier"`
	Timezone string                 `json:"timezone,omitempty"`
	Metrics  map[string]MetricUsage `json:"metrics"`
}

// MetricUsage is the daily counter of one metric
type MetricUsage struct {
	Date      string    `json:"date"`
	Limit     int       `json:"limit"`     // -1 for unlimited
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"` // -1 for unlimited
	ResetsAt  time.Time `json:"resets_at"`
}

// ResourcesResponse lists pool members
type ResourcesResponse struct {
	Resources []ResourceView `json:"resources"`
}

// ResourceView is the admin display of a resource. API key identifiers are
// never included.
type ResourceView struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Identifier string     `json:"identifier,omitempty"`
	RoleType   string     `json:"role_type,omitempty"`
	Status     string     `json:"status"`
	Priority   int        `json:"priority"`
	ErrorCount int        `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// SessionResponse is the pollable state of a verification session. The
// login secret is only present as demo_code for demo sessions.
type SessionResponse struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	ReferenceCode string     `json:"reference_code,omitempty"`
	Amount        int64      `json:"amount,omitempty"`
	IsDemo        bool       `json:"is_demo"`
	DemoCode      string     `json:"demo_code,omitempty"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}
