// Package memory provides an in-memory implementation of the gsmgate store
// contracts. A single mutex stands in for the conditional updates a database
// performs, so it is only correct within one process. It is intended for
// tests, development and demo mode deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// Storage implements gsmgate.ResourceStore, gsmgate.SessionStore and
// gsmgate.QuotaStore using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	resources    map[string]*gsmgate.Resource
	leases       map[string][]*gsmgate.Lease // resource id -> history, newest last
	assignments  map[string]map[string]*gsmgate.Assignment
	sessions     map[string]*gsmgate.Session
	entitlements map[string]*gsmgate.Entitlement
	usage        map[string]*gsmgate.UsageQuota
}

var (
	_ gsmgate.ResourceStore = (*Storage)(nil)
	_ gsmgate.SessionStore  = (*Storage)(nil)
	_ gsmgate.QuotaStore    = (*Storage)(nil)
)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		resources:    make(map[string]*gsmgate.Resource),
		leases:       make(map[string][]*gsmgate.Lease),
		assignments:  make(map[string]map[string]*gsmgate.Assignment),
		sessions:     make(map[string]*gsmgate.Session),
		entitlements: make(map[string]*gsmgate.Entitlement),
		usage:        make(map[string]*gsmgate.UsageQuota),
	}
}

// --- Resources ---

// CreateResource implements gsmgate.ResourceStore
func (s *Storage) CreateResource(ctx context.Context, res *gsmgate.Resource) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("invalid resource")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.resources[res.ID]; exists {
		return fmt.Errorf("resource %s already exists", res.ID)
	}
	c := *res
	if c.Status == "" {
		c.Status = gsmgate.ResourceAvailable
	}
	s.resources[res.ID] = &c
	return nil
}

// GetResource implements gsmgate.ResourceStore
func (s *Storage) GetResource(ctx context.Context, id string) (*gsmgate.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.resources[id]
	if !ok {
		return nil, gsmgate.ErrResourceNotFound
	}
	c := *res
	return &c, nil
}

// ListResources implements gsmgate.ResourceStore
func (s *Storage) ListResources(ctx context.Context, kind gsmgate.ResourceKind) ([]*gsmgate.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gsmgate.Resource, 0, len(s.resources))
	for _, res := range s.resources {
		if kind != "" && res.Kind != kind {
			continue
		}
		c := *res
		out = append(out, &c)
	}
	sortResources(out)
	return out, nil
}

// ListCandidates implements gsmgate.ResourceStore
func (s *Storage) ListCandidates(ctx context.Context, kind gsmgate.ResourceKind, criteria gsmgate.Criteria) ([]*gsmgate.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	excluded := make(map[string]bool, len(criteria.ExcludeIDs))
	for _, id := range criteria.ExcludeIDs {
		excluded[id] = true
	}

	var out []*gsmgate.Resource
	for _, res := range s.resources {
		if res.Kind != kind || res.Status != gsmgate.ResourceAvailable || excluded[res.ID] {
			continue
		}
		if criteria.RoleType != "" && res.RoleType != criteria.RoleType {
			continue
		}
		if criteria.OwnerID != "" {
			if _, ok := s.assignments[criteria.OwnerID][res.ID]; !ok {
				continue
			}
		}
		c := *res
		out = append(out, &c)
	}
	sortResources(out)
	return out, nil
}

func sortResources(list []*gsmgate.Resource) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.ErrorCount != b.ErrorCount {
			return a.ErrorCount < b.ErrorCount
		}
		return a.ID < b.ID
	})
}

// TryLease implements gsmgate.ResourceStore
func (s *Storage) TryLease(ctx context.Context, resourceID, sessionID string, now time.Time) (*gsmgate.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceID]
	if !ok {
		return nil, gsmgate.ErrResourceNotFound
	}
	if res.Status != gsmgate.ResourceAvailable || s.openLease(resourceID) != nil {
		return nil, gsmgate.ErrLeaseConflict
	}

	res.Status = gsmgate.ResourceLeased
	res.UpdatedAt = now

	lease := &gsmgate.Lease{ResourceID: resourceID, SessionID: sessionID, LeasedAt: now}
	s.leases[resourceID] = append(s.leases[resourceID], lease)

	c := *lease
	return &c, nil
}

// openLease returns the open lease on a resource. Caller holds the lock.
func (s *Storage) openLease(resourceID string) *gsmgate.Lease {
	history := s.leases[resourceID]
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]
	if !last.Open() {
		return nil
	}
	return last
}

// closeLease closes the open lease and frees a leased resource. Caller holds the lock.
func (s *Storage) closeLease(lease *gsmgate.Lease, reason string, now time.Time) {
	released := now
	lease.ReleasedAt = &released
	lease.ReleaseReason = reason

	if res, ok := s.resources[lease.ResourceID]; ok && res.Status == gsmgate.ResourceLeased {
		res.Status = gsmgate.ResourceAvailable
		res.UpdatedAt = now
	}
}

// ReleaseLease implements gsmgate.ResourceStore
func (s *Storage) ReleaseLease(ctx context.Context, resourceID, sessionID, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease := s.openLease(resourceID)
	if lease == nil || lease.SessionID != sessionID {
		return false, nil
	}
	s.closeLease(lease, reason, now)
	return true, nil
}

// GetOpenLease implements gsmgate.ResourceStore
func (s *Storage) GetOpenLease(ctx context.Context, resourceID string) (*gsmgate.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lease := s.openLease(resourceID)
	if lease == nil {
		return nil, nil
	}
	c := *lease
	return &c, nil
}

// ListOpenLeases implements gsmgate.ResourceStore
func (s *Storage) ListOpenLeases(ctx context.Context) ([]*gsmgate.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*gsmgate.Lease
	for id := range s.leases {
		if lease := s.openLease(id); lease != nil {
			c := *lease
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

// LeaseHistory returns every lease ever taken on a resource, oldest first
func (s *Storage) LeaseHistory(resourceID string) []*gsmgate.Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gsmgate.Lease, 0, len(s.leases[resourceID]))
	for _, lease := range s.leases[resourceID] {
		c := *lease
		out = append(out, &c)
	}
	return out
}

// RecordResourceError implements gsmgate.ResourceStore
func (s *Storage) RecordResourceError(ctx context.Context, resourceID, message string, threshold int, now time.Time) (*gsmgate.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceID]
	if !ok {
		return nil, gsmgate.ErrResourceNotFound
	}

	res.ErrorCount++
	res.LastError = message
	res.UpdatedAt = now
	if threshold > 0 && res.ErrorCount >= threshold {
		res.Status = gsmgate.ResourceDisabled
	} else {
		res.Status = gsmgate.ResourceError
	}

	c := *res
	return &c, nil
}

// SetResourceStatus implements gsmgate.ResourceStore
func (s *Storage) SetResourceStatus(ctx context.Context, resourceID string, from []gsmgate.ResourceStatus, to gsmgate.ResourceStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceID]
	if !ok {
		return false, gsmgate.ErrResourceNotFound
	}

	matched := false
	for _, st := range from {
		if res.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	if to == gsmgate.ResourceAvailable && s.openLease(resourceID) != nil {
		return false, nil
	}

	res.Status = to
	res.UpdatedAt = now
	return true, nil
}

// ResetResource implements gsmgate.ResourceStore
func (s *Storage) ResetResource(ctx context.Context, resourceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceID]
	if !ok {
		return gsmgate.ErrResourceNotFound
	}
	if lease := s.openLease(resourceID); lease != nil {
		s.closeLease(lease, "reset", now)
	}

	res.Status = gsmgate.ResourceAvailable
	res.ErrorCount = 0
	res.LastError = ""
	res.UpdatedAt = now
	return nil
}

// TouchResource implements gsmgate.ResourceStore
func (s *Storage) TouchResource(ctx context.Context, resourceID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceID]
	if !ok {
		return gsmgate.ErrResourceNotFound
	}
	res.LastSeenAt = seenAt
	return nil
}

// Assign implements gsmgate.ResourceStore
func (s *Storage) Assign(ctx context.Context, a *gsmgate.Assignment) error {
	if a == nil || a.OwnerID == "" || a.ResourceID == "" {
		return fmt.Errorf("invalid assignment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[a.ResourceID]; !ok {
		return gsmgate.ErrResourceNotFound
	}
	owned, ok := s.assignments[a.OwnerID]
	if !ok {
		owned = make(map[string]*gsmgate.Assignment)
		s.assignments[a.OwnerID] = owned
	}
	c := *a
	owned[a.ResourceID] = &c
	return nil
}

// Unassign implements gsmgate.ResourceStore
func (s *Storage) Unassign(ctx context.Context, ownerID, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.assignments[ownerID], resourceID)
	return nil
}

// --- Sessions ---

// CreateSession implements gsmgate.SessionStore
func (s *Storage) CreateSession(ctx context.Context, sess *gsmgate.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("invalid session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// GetSession implements gsmgate.SessionStore
func (s *Storage) GetSession(ctx context.Context, id string) (*gsmgate.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, gsmgate.ErrSessionNotFound
	}
	return copySession(sess), nil
}

// UpdateSession implements gsmgate.SessionStore
func (s *Storage) UpdateSession(ctx context.Context, id string, fn func(*gsmgate.Session) error) (*gsmgate.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[id]
	if !ok {
		return nil, gsmgate.ErrSessionNotFound
	}

	working := copySession(current)
	if err := fn(working); err != nil {
		if errors.Is(err, gsmgate.ErrNoChange) {
			return copySession(current), nil
		}
		return nil, err
	}

	s.sessions[id] = working
	return copySession(working), nil
}

// ListPendingSessions implements gsmgate.SessionStore
func (s *Storage) ListPendingSessions(ctx context.Context, filter gsmgate.SessionFilter) ([]*gsmgate.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*gsmgate.Session
	for _, sess := range s.sessions {
		if sess.Status != gsmgate.SessionPending {
			continue
		}
		if filter.Kind != "" && sess.Kind != filter.Kind {
			continue
		}
		if filter.ResourceID != "" && sess.ResourceID != filter.ResourceID {
			continue
		}
		if !filter.ExpiresBefore.IsZero() && sess.ExpiresAt.After(filter.ExpiresBefore) {
			continue
		}
		out = append(out, copySession(sess))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copySession(sess *gsmgate.Session) *gsmgate.Session {
	c := *sess
	if sess.ConfirmedAt != nil {
		t := *sess.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return &c
}

// --- Quota ---

// GetEntitlement implements gsmgate.QuotaStore
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*gsmgate.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, gsmgate.ErrEntitlementNotFound
	}

	// Return a copy to prevent external mutations
	c := *ent
	return &c, nil
}

// SetEntitlement implements gsmgate.QuotaStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *gsmgate.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *ent
	s.entitlements[ent.UserID] = &c
	return nil
}

// ReserveQuota implements gsmgate.QuotaStore
func (s *Storage) ReserveQuota(ctx context.Context, req *gsmgate.ReserveRequest) (int, error) {
	if req.Amount <= 0 {
		return 0, gsmgate.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(req.UserID, req.Date, req.Metric)
	row, ok := s.usage[key]
	if !ok {
		row = &gsmgate.UsageQuota{
			UserID: req.UserID,
			Date:   req.Date,
			Metric: req.Metric,
		}
		s.usage[key] = row
	}
	row.Limit = req.Limit

	if !req.Unlimited && row.Used+req.Amount > req.Limit {
		return row.Used, gsmgate.ErrQuotaExceeded
	}

	row.Used += req.Amount
	row.UpdatedAt = time.Now().UTC()
	return row.Used, nil
}

// ReleaseQuota implements gsmgate.QuotaStore
func (s *Storage) ReleaseQuota(ctx context.Context, userID, date, metric string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gsmgate.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.usage[usageKey(userID, date, metric)]
	if !ok {
		return 0, nil
	}
	row.Used -= amount
	if row.Used < 0 {
		row.Used = 0
	}
	row.UpdatedAt = time.Now().UTC()
	return row.Used, nil
}

// GetQuotaUsage implements gsmgate.QuotaStore
func (s *Storage) GetQuotaUsage(ctx context.Context, userID, date string) ([]*gsmgate.UsageQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*gsmgate.UsageQuota
	for _, row := range s.usage {
		if row.UserID == userID && row.Date == date {
			c := *row
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}

// UsageRows returns every usage row of a user across all days
func (s *Storage) UsageRows(userID string) []*gsmgate.UsageQuota {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*gsmgate.UsageQuota
	for _, row := range s.usage {
		if row.UserID == userID {
			c := *row
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

func usageKey(userID, date, metric string) string {
	return userID + "|" + date + "|" + metric
}
