package gsmgate

import (
	"context"
	"time"
)

// ResourceStore persists resources, leases and assignments.
//
// The store is the mutual-exclusion mechanism: TryLease, ReleaseLease,
// RecordResourceError and SetResourceStatus must each be a single atomic
// conditional operation in the backing engine. No in-process lock is
// assumed to be held by callers.
type ResourceStore interface {
	// CreateResource inserts a resource. Status defaults to available.
	CreateResource(ctx context.Context, res *Resource) error

	// GetResource returns ErrResourceNotFound for unknown ids
	GetResource(ctx context.Context, id string) (*Resource, error)

	// ListResources returns resources of kind (all kinds if empty)
	ListResources(ctx context.Context, kind ResourceKind) ([]*Resource, error)

	// ListCandidates returns available resources of kind matching criteria,
	// ordered by priority desc, error count asc, id asc
	ListCandidates(ctx context.Context, kind ResourceKind, criteria Criteria) ([]*Resource, error)

	// TryLease flips the resource from available to leased and opens a lease
	// for sessionID in one compare-and-swap. Returns ErrLeaseConflict if the
	// resource is no longer available at write time.
	TryLease(ctx context.Context, resourceID, sessionID string, now time.Time) (*Lease, error)

	// ReleaseLease closes the open lease on resourceID only if it is held by
	// sessionID. A leased resource goes back to available; any other status
	// is left alone. Returns false when no matching open lease exists.
	ReleaseLease(ctx context.Context, resourceID, sessionID, reason string, now time.Time) (bool, error)

	// GetOpenLease returns the open lease on a resource, or nil
	GetOpenLease(ctx context.Context, resourceID string) (*Lease, error)

	// ListOpenLeases returns every open lease
	ListOpenLeases(ctx context.Context) ([]*Lease, error)

	// RecordResourceError increments the error count and moves the resource
	// to error, or to disabled once the count reaches threshold
	RecordResourceError(ctx context.Context, resourceID, message string, threshold int, now time.Time) (*Resource, error)

	// SetResourceStatus moves the resource to `to` only if its status is one
	// of `from`. A move to available also requires that no lease is open.
	SetResourceStatus(ctx context.Context, resourceID string, from []ResourceStatus, to ResourceStatus, now time.Time) (bool, error)

	// ResetResource closes any open lease, zeroes the error count and makes
	// the resource available
	ResetResource(ctx context.Context, resourceID string, now time.Time) error

	// TouchResource records a successful health probe
	TouchResource(ctx context.Context, resourceID string, seenAt time.Time) error

	// Assign links an owner to a resource; Unassign removes the link
	Assign(ctx context.Context, a *Assignment) error
	Unassign(ctx context.Context, ownerID, resourceID string) error
}

// SessionFilter narrows ListPendingSessions
type SessionFilter struct {
	Kind       SessionKind
	ResourceID string

	// ExpiresBefore, when non-zero, only returns sessions with expires_at <= it
	ExpiresBefore time.Time

	// Limit caps the result size (0 = no limit)
	Limit int
}

// SessionStore persists verification sessions
type SessionStore interface {
	// CreateSession inserts a new session
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns ErrSessionNotFound for unknown ids
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession runs fn against the current row and persists the result
	// as one atomic read-modify-write. If fn returns ErrNoChange the row is
	// left untouched and the current session is returned without error; any
	// other error aborts the update and is returned.
	UpdateSession(ctx context.Context, id string, fn func(s *Session) error) (*Session, error)

	// ListPendingSessions returns pending sessions matching the filter
	ListPendingSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
}

// ReserveRequest is a conditional quota increment
type ReserveRequest struct {
	UserID string
	Date   string
	Metric string
	Amount int
	Limit  int

	// Unlimited skips the limit check; the counter is still incremented
	Unlimited bool
}

// QuotaStore persists entitlements and per-day usage counters
type QuotaStore interface {
	// GetEntitlement returns ErrEntitlementNotFound when absent
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)

	// SetEntitlement upserts an entitlement
	SetEntitlement(ctx context.Context, ent *Entitlement) error

	// ReserveQuota creates the (user, date, metric) row if absent and
	// increments used only if used + amount <= limit, in one atomic step.
	// Returns the new used value, or the unchanged value with ErrQuotaExceeded.
	ReserveQuota(ctx context.Context, req *ReserveRequest) (int, error)

	// ReleaseQuota decrements used on an existing row, clamped at zero.
	// A missing row is not an error.
	ReleaseQuota(ctx context.Context, userID, date, metric string, amount int) (int, error)

	// GetQuotaUsage returns every metric row for a user and day
	GetQuotaUsage(ctx context.Context, userID, date string) ([]*UsageQuota, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// Stores that implement it keep day buckets consistent across processes
// with skewed clocks.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}
