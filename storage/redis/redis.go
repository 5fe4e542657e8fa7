// Package redis provides a Redis implementation of the gsmgate stores.
// Every conditional write (lease, release, error accounting, quota
// reservation) runs as a single Lua script; sessions are updated with
// WATCH/MULTI optimistic transactions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// Storage implements gsmgate.ResourceStore, gsmgate.SessionStore,
// gsmgate.QuotaStore and gsmgate.TimeSource using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var (
	_ gsmgate.ResourceStore = (*Storage)(nil)
	_ gsmgate.SessionStore  = (*Storage)(nil)
	_ gsmgate.QuotaStore    = (*Storage)(nil)
	_ gsmgate.TimeSource    = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gsmgate:")
	KeyPrefix string

	// UsageTTL is the TTL for per-day usage hashes (0 = no expiration)
	UsageTTL time.Duration

	// SessionTTL is how long a finished session stays readable (0 = forever)
	SessionTTL time.Duration

	// LeaseHistory caps the closed-lease history kept per resource (default: 50)
	LeaseHistory int

	// MaxRetries bounds optimistic session update retries (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "gsmgate:",
		UsageTTL:     90 * 24 * time.Hour,
		SessionTTL:   7 * 24 * time.Hour,
		LeaseHistory: 50,
		MaxRetries:   3,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client or a failover client; multi-key scripts
// are not hash-tagged for cluster mode.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gsmgate:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.LeaseHistory == 0 {
		config.LeaseHistory = 50
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// KEYS: resource, open lease, open lease set
	// ARGV: resource id, session id, now
	s.scripts["lease"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 'not_found'
		end
		if redis.call('HGET', KEYS[1], 'status') ~= 'available' then
			return 'conflict'
		end
		if redis.call('EXISTS', KEYS[2]) == 1 then
			return 'conflict'
		end
		redis.call('HSET', KEYS[1], 'status', 'leased', 'updated_at', ARGV[3])
		redis.call('HSET', KEYS[2], 'session_id', ARGV[2], 'leased_at', ARGV[3])
		redis.call('SADD', KEYS[3], ARGV[1])
		return 'ok'
	`)

	// KEYS: resource, open lease, open lease set, lease history
	// ARGV: resource id, session id, reason, now, history limit
	s.scripts["release"] = redis.NewScript(`
		if redis.call('HGET', KEYS[2], 'session_id') ~= ARGV[2] then
			return 0
		end
		local leasedAt = redis.call('HGET', KEYS[2], 'leased_at')
		redis.call('DEL', KEYS[2])
		redis.call('SREM', KEYS[3], ARGV[1])
		if redis.call('HGET', KEYS[1], 'status') == 'leased' then
			redis.call('HSET', KEYS[1], 'status', 'available', 'updated_at', ARGV[4])
		end
		redis.call('LPUSH', KEYS[4], cjson.encode({
			session_id = ARGV[2], leased_at = leasedAt, released_at = ARGV[4], reason = ARGV[3]
		}))
		redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[5]) - 1)
		return 1
	`)

	// KEYS: resource
	// ARGV: message, threshold, now
	s.scripts["error"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return -1
		end
		local count = redis.call('HINCRBY', KEYS[1], 'error_count', 1)
		local threshold = tonumber(ARGV[2])
		local status = 'error'
		if threshold > 0 and count >= threshold then
			status = 'disabled'
		end
		redis.call('HSET', KEYS[1], 'status', status, 'last_error', ARGV[1], 'updated_at', ARGV[3])
		return count
	`)

	// KEYS: resource, open lease
	// ARGV: target status, now, allowed current statuses...
	s.scripts["status"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return -1
		end
		local current = redis.call('HGET', KEYS[1], 'status')
		local matched = false
		for i = 3, #ARGV do
			if ARGV[i] == current then
				matched = true
				break
			end
		end
		if not matched then
			return 0
		end
		if ARGV[1] == 'available' and redis.call('EXISTS', KEYS[2]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
		return 1
	`)

	// KEYS: resource, open lease, open lease set, lease history
	// ARGV: resource id, now, history limit
	s.scripts["reset"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return -1
		end
		local sessionID = redis.call('HGET', KEYS[2], 'session_id')
		if sessionID then
			local leasedAt = redis.call('HGET', KEYS[2], 'leased_at')
			redis.call('DEL', KEYS[2])
			redis.call('SREM', KEYS[3], ARGV[1])
			redis.call('LPUSH', KEYS[4], cjson.encode({
				session_id = sessionID, leased_at = leasedAt, released_at = ARGV[2], reason = 'reset'
			}))
			redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[3]) - 1)
		end
		redis.call('HSET', KEYS[1], 'status', 'available', 'error_count', 0, 'last_error', '', 'updated_at', ARGV[2])
		return 1
	`)

	// KEYS: usage hash
	// ARGV: metric, amount, limit, unlimited flag, ttl seconds, now
	s.scripts["reserve"] = redis.NewScript(`
		local used = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
		local amount = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		redis.call('HSET', KEYS[1], 'limit:' .. ARGV[1], limit)
		if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
			redis.call('HSET', KEYS[1], ARGV[1], 0, 'updated:' .. ARGV[1], ARGV[6])
		end
		local ttl = tonumber(ARGV[5])
		if ttl > 0 then
			redis.call('EXPIRE', KEYS[1], ttl)
		end
		if ARGV[4] == '0' and used + amount > limit then
			return {used, 0}
		end
		used = redis.call('HINCRBY', KEYS[1], ARGV[1], amount)
		redis.call('HSET', KEYS[1], 'updated:' .. ARGV[1], ARGV[6])
		return {used, 1}
	`)

	// KEYS: usage hash
	// ARGV: metric, amount, now
	s.scripts["refund"] = redis.NewScript(`
		local current = redis.call('HGET', KEYS[1], ARGV[1])
		if not current then
			return 0
		end
		local used = tonumber(current) - tonumber(ARGV[2])
		if used < 0 then
			used = 0
		end
		redis.call('HSET', KEYS[1], ARGV[1], used, 'updated:' .. ARGV[1], ARGV[3])
		return used
	`)
}

func (s *Storage) resourceKey(id string) string {
	return s.config.KeyPrefix + "res:" + id
}

func (s *Storage) kindIndexKey(kind gsmgate.ResourceKind) string {
	return s.config.KeyPrefix + "resources:kind:" + string(kind)
}

func (s *Storage) allResourcesKey() string {
	return s.config.KeyPrefix + "resources:all"
}

func (s *Storage) leaseKey(resourceID string) string {
	return s.config.KeyPrefix + "lease:" + resourceID
}

func (s *Storage) openLeasesKey() string {
	return s.config.KeyPrefix + "leases:open"
}

func (s *Storage) leaseHistoryKey(resourceID string) string {
	return s.config.KeyPrefix + "leases:history:" + resourceID
}

func (s *Storage) assignmentKey(ownerID string) string {
	return s.config.KeyPrefix + "assign:" + ownerID
}

func (s *Storage) sessionKey(id string) string {
	return s.config.KeyPrefix + "session:" + id
}

func (s *Storage) pendingKey() string {
	return s.config.KeyPrefix + "sessions:pending"
}

func (s *Storage) pendingByResourceKey(resourceID string) string {
	return s.config.KeyPrefix + "sessions:pending:res:" + resourceID
}

func (s *Storage) entitlementKey(userID string) string {
	return s.config.KeyPrefix + "ent:" + userID
}

func (s *Storage) usageKey(userID, date string) string {
	return s.config.KeyPrefix + "usage:" + userID + ":" + date
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func decodeResource(fields map[string]string) *gsmgate.Resource {
	priority, _ := strconv.Atoi(fields["priority"])
	errorCount, _ := strconv.Atoi(fields["error_count"])
	return &gsmgate.Resource{
		ID:         fields["id"],
		Kind:       gsmgate.ResourceKind(fields["kind"]),
		Identifier: fields["identifier"],
		RoleType:   fields["role_type"],
		Status:     gsmgate.ResourceStatus(fields["status"]),
		Priority:   priority,
		ErrorCount: errorCount,
		LastError:  fields["last_error"],
		LastSeenAt: parseNanos(fields["last_seen_at"]),
		CreatedAt:  parseNanos(fields["created_at"]),
		UpdatedAt:  parseNanos(fields["updated_at"]),
	}
}

// Now implements gsmgate.TimeSource using the Redis TIME command
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read redis time: %w", err)
	}
	return t.UTC(), nil
}

// CreateResource implements gsmgate.ResourceStore
func (s *Storage) CreateResource(ctx context.Context, res *gsmgate.Resource) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("invalid resource")
	}
	if res.Status == "" {
		res.Status = gsmgate.ResourceAvailable
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	if res.LastSeenAt.IsZero() {
		res.LastSeenAt = res.CreatedAt
	}
	res.UpdatedAt = res.CreatedAt

	created, err := s.client.HSetNX(ctx, s.resourceKey(res.ID), "id", res.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	if !created {
		return fmt.Errorf("resource %s already exists", res.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.resourceKey(res.ID),
			"kind", string(res.Kind),
			"identifier", res.Identifier,
			"role_type", res.RoleType,
			"status", string(res.Status),
			"priority", res.Priority,
			"error_count", 0,
			"last_error", "",
			"last_seen_at", nanos(res.LastSeenAt),
			"created_at", nanos(res.CreatedAt),
			"updated_at", nanos(res.UpdatedAt),
		)
		pipe.SAdd(ctx, s.kindIndexKey(res.Kind), res.ID)
		pipe.SAdd(ctx, s.allResourcesKey(), res.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

// GetResource implements gsmgate.ResourceStore
func (s *Storage) GetResource(ctx context.Context, id string) (*gsmgate.Resource, error) {
	fields, err := s.client.HGetAll(ctx, s.resourceKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	if len(fields) == 0 {
		return nil, gsmgate.ErrResourceNotFound
	}
	return decodeResource(fields), nil
}

// loadResources fetches the given ids in one pipeline, skipping deleted keys
func (s *Storage) loadResources(ctx context.Context, ids []string) ([]*gsmgate.Resource, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.resourceKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}

	out := make([]*gsmgate.Resource, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeResource(fields))
	}
	return out, nil
}

// ListResources implements gsmgate.ResourceStore
func (s *Storage) ListResources(ctx context.Context, kind gsmgate.ResourceKind) ([]*gsmgate.Resource, error) {
	key := s.allResourcesKey()
	if kind != "" {
		key = s.kindIndexKey(kind)
	}

	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	out, err := s.loadResources(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListCandidates implements gsmgate.ResourceStore
func (s *Storage) ListCandidates(
	ctx context.Context, kind gsmgate.ResourceKind, criteria gsmgate.Criteria,
) ([]*gsmgate.Resource, error) {
	ids, err := s.client.SMembers(ctx, s.kindIndexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	var owned map[string]struct{}
	if criteria.OwnerID != "" {
		members, err := s.client.SMembers(ctx, s.assignmentKey(criteria.OwnerID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load assignments: %w", err)
		}
		owned = make(map[string]struct{}, len(members))
		for _, id := range members {
			owned[id] = struct{}{}
		}
	}

	excluded := make(map[string]struct{}, len(criteria.ExcludeIDs))
	for _, id := range criteria.ExcludeIDs {
		excluded[id] = struct{}{}
	}

	filtered := ids[:0]
	for _, id := range ids {
		if _, ok := excluded[id]; ok {
			continue
		}
		if owned != nil {
			if _, ok := owned[id]; !ok {
				continue
			}
		}
		filtered = append(filtered, id)
	}

	all, err := s.loadResources(ctx, filtered)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, res := range all {
		if res.Status != gsmgate.ResourceAvailable {
			continue
		}
		if criteria.RoleType != "" && res.RoleType != criteria.RoleType {
			continue
		}
		out = append(out, res)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].ErrorCount != out[j].ErrorCount {
			return out[i].ErrorCount < out[j].ErrorCount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// TryLease implements gsmgate.ResourceStore
func (s *Storage) TryLease(ctx context.Context, resourceID, sessionID string, now time.Time) (*gsmgate.Lease, error) {
	result, err := s.scripts["lease"].Run(ctx, s.client,
		[]string{s.resourceKey(resourceID), s.leaseKey(resourceID), s.openLeasesKey()},
		resourceID, sessionID, nanos(now),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to lease resource: %w", err)
	}

	switch result {
	case "ok":
		return &gsmgate.Lease{ResourceID: resourceID, SessionID: sessionID, LeasedAt: now}, nil
	case "not_found":
		return nil, gsmgate.ErrResourceNotFound
	default:
		return nil, gsmgate.ErrLeaseConflict
	}
}

// ReleaseLease implements gsmgate.ResourceStore
func (s *Storage) ReleaseLease(
	ctx context.Context, resourceID, sessionID, reason string, now time.Time,
) (bool, error) {
	released, err := s.scripts["release"].Run(ctx, s.client,
		[]string{
			s.resourceKey(resourceID),
			s.leaseKey(resourceID),
			s.openLeasesKey(),
			s.leaseHistoryKey(resourceID),
		},
		resourceID, sessionID, reason, nanos(now), s.config.LeaseHistory,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lease: %w", err)
	}
	return released == 1, nil
}

// GetOpenLease implements gsmgate.ResourceStore
func (s *Storage) GetOpenLease(ctx context.Context, resourceID string) (*gsmgate.Lease, error) {
	fields, err := s.client.HGetAll(ctx, s.leaseKey(resourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get open lease: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &gsmgate.Lease{
		ResourceID: resourceID,
		SessionID:  fields["session_id"],
		LeasedAt:   parseNanos(fields["leased_at"]),
	}, nil
}

// ListOpenLeases implements gsmgate.ResourceStore
func (s *Storage) ListOpenLeases(ctx context.Context) ([]*gsmgate.Lease, error) {
	ids, err := s.client.SMembers(ctx, s.openLeasesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list open leases: %w", err)
	}
	sort.Strings(ids)

	out := make([]*gsmgate.Lease, 0, len(ids))
	for _, id := range ids {
		lease, err := s.GetOpenLease(ctx, id)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			out = append(out, lease)
		}
	}
	return out, nil
}

// LeaseHistory returns the most recent closed leases of a resource, newest first
func (s *Storage) LeaseHistory(ctx context.Context, resourceID string) ([]*gsmgate.Lease, error) {
	entries, err := s.client.LRange(ctx, s.leaseHistoryKey(resourceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read lease history: %w", err)
	}

	out := make([]*gsmgate.Lease, 0, len(entries))
	for _, entry := range entries {
		var rec struct {
			SessionID  string `json:"session_id"`
			LeasedAt   string `json:"leased_at"`
			ReleasedAt string `json:"released_at"`
			Reason     string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lease history: %w", err)
		}
		releasedAt := parseNanos(rec.ReleasedAt)
		out = append(out, &gsmgate.Lease{
			ResourceID:    resourceID,
			SessionID:     rec.SessionID,
			LeasedAt:      parseNanos(rec.LeasedAt),
			ReleasedAt:    &releasedAt,
			ReleaseReason: rec.Reason,
		})
	}
	return out, nil
}

// RecordResourceError implements gsmgate.ResourceStore
func (s *Storage) RecordResourceError(
	ctx context.Context, resourceID, message string, threshold int, now time.Time,
) (*gsmgate.Resource, error) {
	count, err := s.scripts["error"].Run(ctx, s.client,
		[]string{s.resourceKey(resourceID)},
		message, threshold, nanos(now),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to record resource error: %w", err)
	}
	if count < 0 {
		return nil, gsmgate.ErrResourceNotFound
	}
	return s.GetResource(ctx, resourceID)
}

// SetResourceStatus implements gsmgate.ResourceStore
func (s *Storage) SetResourceStatus(
	ctx context.Context, resourceID string, from []gsmgate.ResourceStatus, to gsmgate.ResourceStatus, now time.Time,
) (bool, error) {
	args := make([]interface{}, 0, len(from)+2)
	args = append(args, string(to), nanos(now))
	for _, st := range from {
		args = append(args, string(st))
	}

	result, err := s.scripts["status"].Run(ctx, s.client,
		[]string{s.resourceKey(resourceID), s.leaseKey(resourceID)},
		args...,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to set resource status: %w", err)
	}
	if result < 0 {
		return false, gsmgate.ErrResourceNotFound
	}
	return result == 1, nil
}

// ResetResource implements gsmgate.ResourceStore
func (s *Storage) ResetResource(ctx context.Context, resourceID string, now time.Time) error {
	result, err := s.scripts["reset"].Run(ctx, s.client,
		[]string{
			s.resourceKey(resourceID),
			s.leaseKey(resourceID),
			s.openLeasesKey(),
			s.leaseHistoryKey(resourceID),
		},
		resourceID, nanos(now), s.config.LeaseHistory,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to reset resource: %w", err)
	}
	if result < 0 {
		return gsmgate.ErrResourceNotFound
	}
	return nil
}

// TouchResource implements gsmgate.ResourceStore
func (s *Storage) TouchResource(ctx context.Context, resourceID string, seenAt time.Time) error {
	// HSET on a missing key would create it, so check first
	exists, err := s.client.Exists(ctx, s.resourceKey(resourceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to touch resource: %w", err)
	}
	if exists == 0 {
		return gsmgate.ErrResourceNotFound
	}
	if err := s.client.HSet(ctx, s.resourceKey(resourceID), "last_seen_at", nanos(seenAt)).Err(); err != nil {
		return fmt.Errorf("failed to touch resource: %w", err)
	}
	return nil
}

// Assign implements gsmgate.ResourceStore
func (s *Storage) Assign(ctx context.Context, a *gsmgate.Assignment) error {
	if a == nil || a.OwnerID == "" || a.ResourceID == "" {
		return fmt.Errorf("invalid assignment")
	}
	exists, err := s.client.Exists(ctx, s.resourceKey(a.ResourceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to assign resource: %w", err)
	}
	if exists == 0 {
		return gsmgate.ErrResourceNotFound
	}
	if err := s.client.SAdd(ctx, s.assignmentKey(a.OwnerID), a.ResourceID).Err(); err != nil {
		return fmt.Errorf("failed to assign resource: %w", err)
	}
	return nil
}

// Unassign implements gsmgate.ResourceStore
func (s *Storage) Unassign(ctx context.Context, ownerID, resourceID string) error {
	if err := s.client.SRem(ctx, s.assignmentKey(ownerID), resourceID).Err(); err != nil {
		return fmt.Errorf("failed to unassign resource: %w", err)
	}
	return nil
}

// writeSession queues the session body and its pending indexes on pipe
func (s *Storage) writeSession(ctx context.Context, pipe redis.Pipeliner, sess *gsmgate.Session, data []byte) {
	var ttl time.Duration
	if sess.Status.Terminal() {
		ttl = s.config.SessionTTL
	}
	pipe.Set(ctx, s.sessionKey(sess.ID), data, ttl)

	if sess.Status.Terminal() {
		pipe.ZRem(ctx, s.pendingKey(), sess.ID)
		if sess.ResourceID != "" {
			pipe.SRem(ctx, s.pendingByResourceKey(sess.ResourceID), sess.ID)
		}
		return
	}

	pipe.ZAdd(ctx, s.pendingKey(), redis.Z{
		Score:  float64(sess.ExpiresAt.UnixMilli()),
		Member: sess.ID,
	})
	if sess.ResourceID != "" {
		pipe.SAdd(ctx, s.pendingByResourceKey(sess.ResourceID), sess.ID)
	}
}

// CreateSession implements gsmgate.SessionStore
func (s *Storage) CreateSession(ctx context.Context, sess *gsmgate.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("invalid session")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.writeSession(ctx, pipe, sess, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession implements gsmgate.SessionStore
func (s *Storage) GetSession(ctx context.Context, id string) (*gsmgate.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gsmgate.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess gsmgate.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// UpdateSession implements gsmgate.SessionStore.
// The session key is WATCHed; a concurrent write aborts the transaction and
// fn runs again against the fresh value.
func (s *Storage) UpdateSession(
	ctx context.Context, id string, fn func(*gsmgate.Session) error,
) (*gsmgate.Session, error) {
	key := s.sessionKey(id)

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		var result *gsmgate.Session

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return gsmgate.ErrSessionNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			var sess gsmgate.Session
			if err := json.Unmarshal(data, &sess); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			previousResource := sess.ResourceID

			if err := fn(&sess); err != nil {
				if errors.Is(err, gsmgate.ErrNoChange) {
					result = &sess
					return nil
				}
				return err
			}

			updated, err := json.Marshal(&sess)
			if err != nil {
				return fmt.Errorf("failed to marshal session: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if previousResource != "" && previousResource != sess.ResourceID {
					pipe.SRem(ctx, s.pendingByResourceKey(previousResource), sess.ID)
				}
				s.writeSession(ctx, pipe, &sess, updated)
				return nil
			})
			if err != nil {
				return err
			}
			result = &sess
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("failed to update session %s: too much contention", id)
}

// ListPendingSessions implements gsmgate.SessionStore
func (s *Storage) ListPendingSessions(
	ctx context.Context, filter gsmgate.SessionFilter,
) ([]*gsmgate.Session, error) {
	var ids []string
	var err error

	if filter.ResourceID != "" {
		ids, err = s.client.SMembers(ctx, s.pendingByResourceKey(filter.ResourceID)).Result()
	} else {
		upper := "+inf"
		if !filter.ExpiresBefore.IsZero() {
			upper = strconv.FormatInt(filter.ExpiresBefore.UnixMilli(), 10)
		}
		ids, err = s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	var out []*gsmgate.Session
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var sess gsmgate.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if sess.Status != gsmgate.SessionPending {
			continue
		}
		if filter.Kind != "" && sess.Kind != filter.Kind {
			continue
		}
		if !filter.ExpiresBefore.IsZero() && sess.ExpiresAt.After(filter.ExpiresBefore) {
			continue
		}
		out = append(out, &sess)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetEntitlement implements gsmgate.QuotaStore
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*gsmgate.Entitlement, error) {
	data, err := s.client.Get(ctx, s.entitlementKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gsmgate.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	var ent gsmgate.Entitlement
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}
	return &ent, nil
}

// SetEntitlement implements gsmgate.QuotaStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *gsmgate.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	stored := *ent
	stored.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	if err := s.client.Set(ctx, s.entitlementKey(ent.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// ReserveQuota implements gsmgate.QuotaStore
func (s *Storage) ReserveQuota(ctx context.Context, req *gsmgate.ReserveRequest) (int, error) {
	if req == nil || req.Amount <= 0 {
		return 0, gsmgate.ErrInvalidAmount
	}

	unlimited := "0"
	if req.Unlimited {
		unlimited = "1"
	}

	result, err := s.scripts["reserve"].Run(ctx, s.client,
		[]string{s.usageKey(req.UserID, req.Date)},
		req.Metric, req.Amount, req.Limit, unlimited, int64(s.config.UsageTTL.Seconds()), nanos(time.Now()),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if len(result) != 2 {
		return 0, fmt.Errorf("unexpected reserve result: %v", result)
	}

	used := int(result[0])
	if result[1] == 0 {
		return used, gsmgate.ErrQuotaExceeded
	}
	return used, nil
}

// ReleaseQuota implements gsmgate.QuotaStore
func (s *Storage) ReleaseQuota(ctx context.Context, userID, date, metric string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gsmgate.ErrInvalidAmount
	}

	used, err := s.scripts["refund"].Run(ctx, s.client,
		[]string{s.usageKey(userID, date)},
		metric, amount, nanos(time.Now()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to release quota: %w", err)
	}
	return used, nil
}

// GetQuotaUsage implements gsmgate.QuotaStore
func (s *Storage) GetQuotaUsage(ctx context.Context, userID, date string) ([]*gsmgate.UsageQuota, error) {
	fields, err := s.client.HGetAll(ctx, s.usageKey(userID, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get quota usage: %w", err)
	}

	var out []*gsmgate.UsageQuota
	for field, value := range fields {
		if isMetaField(field) {
			continue
		}
		used, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid usage value for %s: %w", field, err)
		}
		limit, _ := strconv.Atoi(fields["limit:"+field])
		out = append(out, &gsmgate.UsageQuota{
			UserID:    userID,
			Date:      date,
			Metric:    field,
			Used:      used,
			Limit:     limit,
			UpdatedAt: parseNanos(fields["updated:"+field]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}

func isMetaField(field string) bool {
	return strings.HasPrefix(field, "limit:") || strings.HasPrefix(field, "updated:")
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
