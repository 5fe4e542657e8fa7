// Package postgres provides a PostgreSQL implementation of the gsmgate stores.
// Leases are taken with a conditional UPDATE guarded by a partial unique index,
// sessions are updated under SELECT FOR UPDATE and quota counters with a
// conditional upsert.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Storage implements gsmgate.ResourceStore, gsmgate.SessionStore,
// gsmgate.QuotaStore and gsmgate.TimeSource on PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var (
	_ gsmgate.ResourceStore = (*Storage)(nil)
	_ gsmgate.SessionStore  = (*Storage)(nil)
	_ gsmgate.QuotaStore    = (*Storage)(nil)
	_ gsmgate.TimeSource    = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies the embedded schema on startup
	Migrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // TTL for closed leases and finished sessions
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		RecordTTL:       30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			cancel()
			pool.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.RecordTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Now implements gsmgate.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

const resourceColumns = `id, kind, identifier, role_type, status, priority, error_count, last_error,
	last_seen_at, created_at, updated_at`

func scanResource(row pgx.Row) (*gsmgate.Resource, error) {
	var res gsmgate.Resource
	var kind, status string
	err := row.Scan(
		&res.ID,
		&kind,
		&res.Identifier,
		&res.RoleType,
		&status,
		&res.Priority,
		&res.ErrorCount,
		&res.LastError,
		&res.LastSeenAt,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	res.Kind = gsmgate.ResourceKind(kind)
	res.Status = gsmgate.ResourceStatus(status)
	return &res, nil
}

func collectResources(rows pgx.Rows) ([]*gsmgate.Resource, error) {
	defer rows.Close()

	var out []*gsmgate.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CreateResource implements gsmgate.ResourceStore
func (s *Storage) CreateResource(ctx context.Context, res *gsmgate.Resource) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("invalid resource")
	}

	status := res.Status
	if status == "" {
		status = gsmgate.ResourceAvailable
	}
	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	if res.LastSeenAt.IsZero() {
		res.LastSeenAt = res.CreatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO resources (`+resourceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, 0, '', $7, $8, $8)`,
		res.ID, string(res.Kind), res.Identifier, res.RoleType, string(status), res.Priority,
		res.LastSeenAt, res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	res.Status = status
	res.UpdatedAt = res.CreatedAt
	return nil
}

// GetResource implements gsmgate.ResourceStore
func (s *Storage) GetResource(ctx context.Context, id string) (*gsmgate.Resource, error) {
	res, err := scanResource(s.pool.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gsmgate.ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return res, nil
}

// ListResources implements gsmgate.ResourceStore
func (s *Storage) ListResources(ctx context.Context, kind gsmgate.ResourceKind) ([]*gsmgate.Resource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resourceColumns+` FROM resources
			WHERE ($1 = '' OR kind = $1)
			ORDER BY kind, id`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return collectResources(rows)
}

// ListCandidates implements gsmgate.ResourceStore
func (s *Storage) ListCandidates(
	ctx context.Context, kind gsmgate.ResourceKind, criteria gsmgate.Criteria,
) ([]*gsmgate.Resource, error) {
	exclude := criteria.ExcludeIDs
	if exclude == nil {
		// a NULL array would make the NOT ANY predicate NULL for every row
		exclude = []string{}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+resourceColumns+` FROM resources r
			WHERE r.kind = $1
				AND r.status = 'available'
				AND ($2 = '' OR r.role_type = $2)
				AND ($3 = '' OR EXISTS (
					SELECT 1 FROM assignments a WHERE a.owner_id = $3 AND a.resource_id = r.id))
				AND NOT (r.id = ANY($4))
			ORDER BY r.priority DESC, r.error_count ASC, r.id ASC`,
		string(kind), criteria.RoleType, criteria.OwnerID, exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	return collectResources(rows)
}

// TryLease implements gsmgate.ResourceStore.
// The status flip and the lease insert commit together; the partial unique
// index on open leases rejects a second open lease even if the flip raced.
func (s *Storage) TryLease(ctx context.Context, resourceID, sessionID string, now time.Time) (*gsmgate.Lease, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE resources SET status = 'leased', updated_at = $2
			WHERE id = $1 AND status = 'available'`,
		resourceID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to lease resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM resources WHERE id = $1)`, resourceID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check resource: %w", err)
		}
		if !exists {
			return nil, gsmgate.ErrResourceNotFound
		}
		return nil, gsmgate.ErrLeaseConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO leases (resource_id, session_id, leased_at) VALUES ($1, $2, $3)`,
		resourceID, sessionID, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, gsmgate.ErrLeaseConflict
		}
		return nil, fmt.Errorf("failed to open lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	return &gsmgate.Lease{
		ResourceID: resourceID,
		SessionID:  sessionID,
		LeasedAt:   now,
	}, nil
}

// ReleaseLease implements gsmgate.ResourceStore
func (s *Storage) ReleaseLease(
	ctx context.Context, resourceID, sessionID, reason string, now time.Time,
) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE leases SET released_at = $3, release_reason = $4
			WHERE resource_id = $1 AND session_id = $2 AND released_at IS NULL`,
		resourceID, sessionID, now, reason)
	if err != nil {
		return false, fmt.Errorf("failed to close lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE resources SET status = 'available', updated_at = $2
			WHERE id = $1 AND status = 'leased'`,
		resourceID, now)
	if err != nil {
		return false, fmt.Errorf("failed to free resource: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit release: %w", err)
	}
	return true, nil
}

func scanLease(row pgx.Row) (*gsmgate.Lease, error) {
	var lease gsmgate.Lease
	if err := row.Scan(
		&lease.ResourceID,
		&lease.SessionID,
		&lease.LeasedAt,
		&lease.ReleasedAt,
		&lease.ReleaseReason,
	); err != nil {
		return nil, err
	}
	return &lease, nil
}

// GetOpenLease implements gsmgate.ResourceStore
func (s *Storage) GetOpenLease(ctx context.Context, resourceID string) (*gsmgate.Lease, error) {
	lease, err := scanLease(s.pool.QueryRow(ctx,
		`SELECT resource_id, session_id, leased_at, released_at, release_reason
			FROM leases WHERE resource_id = $1 AND released_at IS NULL`,
		resourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open lease: %w", err)
	}
	return lease, nil
}

// ListOpenLeases implements gsmgate.ResourceStore
func (s *Storage) ListOpenLeases(ctx context.Context) ([]*gsmgate.Lease, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT resource_id, session_id, leased_at, released_at, release_reason
			FROM leases WHERE released_at IS NULL ORDER BY resource_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open leases: %w", err)
	}
	defer rows.Close()

	var out []*gsmgate.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		out = append(out, lease)
	}
	return out, rows.Err()
}

// RecordResourceError implements gsmgate.ResourceStore
func (s *Storage) RecordResourceError(
	ctx context.Context, resourceID, message string, threshold int, now time.Time,
) (*gsmgate.Resource, error) {
	res, err := scanResource(s.pool.QueryRow(ctx,
		`UPDATE resources SET
				error_count = error_count + 1,
				last_error = $2,
				status = CASE WHEN $3 > 0 AND error_count + 1 >= $3 THEN 'disabled' ELSE 'error' END,
				updated_at = $4
			WHERE id = $1
			RETURNING `+resourceColumns,
		resourceID, message, threshold, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gsmgate.ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record resource error: %w", err)
	}
	return res, nil
}

// SetResourceStatus implements gsmgate.ResourceStore
func (s *Storage) SetResourceStatus(
	ctx context.Context, resourceID string, from []gsmgate.ResourceStatus, to gsmgate.ResourceStatus, now time.Time,
) (bool, error) {
	fromStrings := make([]string, len(from))
	for i, st := range from {
		fromStrings[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE resources SET status = $2, updated_at = $4
			WHERE id = $1
				AND status = ANY($3)
				AND ($2 <> 'available' OR NOT EXISTS (
					SELECT 1 FROM leases WHERE resource_id = $1 AND released_at IS NULL))`,
		resourceID, string(to), fromStrings, now)
	if err != nil {
		return false, fmt.Errorf("failed to set resource status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	if _, err := s.GetResource(ctx, resourceID); err != nil {
		return false, err
	}
	return false, nil
}

// ResetResource implements gsmgate.ResourceStore
func (s *Storage) ResetResource(ctx context.Context, resourceID string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE resources SET status = 'available', error_count = 0, last_error = '', updated_at = $2
			WHERE id = $1`,
		resourceID, now)
	if err != nil {
		return fmt.Errorf("failed to reset resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gsmgate.ErrResourceNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE leases SET released_at = $2, release_reason = 'reset'
			WHERE resource_id = $1 AND released_at IS NULL`,
		resourceID, now)
	if err != nil {
		return fmt.Errorf("failed to close lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

// TouchResource implements gsmgate.ResourceStore
func (s *Storage) TouchResource(ctx context.Context, resourceID string, seenAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE resources SET last_seen_at = $2 WHERE id = $1`, resourceID, seenAt)
	if err != nil {
		return fmt.Errorf("failed to touch resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gsmgate.ErrResourceNotFound
	}
	return nil
}

// Assign implements gsmgate.ResourceStore
func (s *Storage) Assign(ctx context.Context, a *gsmgate.Assignment) error {
	if a == nil || a.OwnerID == "" || a.ResourceID == "" {
		return fmt.Errorf("invalid assignment")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (owner_id, resource_id, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (owner_id, resource_id) DO NOTHING`,
		a.OwnerID, a.ResourceID, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return gsmgate.ErrResourceNotFound
		}
		return fmt.Errorf("failed to assign resource: %w", err)
	}
	return nil
}

// Unassign implements gsmgate.ResourceStore
func (s *Storage) Unassign(ctx context.Context, ownerID, resourceID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM assignments WHERE owner_id = $1 AND resource_id = $2`, ownerID, resourceID)
	if err != nil {
		return fmt.Errorf("failed to unassign resource: %w", err)
	}
	return nil
}

const sessionColumns = `id, kind, subject, recipient, secret, reference_code, amount, tolerance,
	resource_id, status, attempts, max_attempts, is_demo, created_at, updated_at, expires_at, confirmed_at`

func scanSession(row pgx.Row) (*gsmgate.Session, error) {
	var sess gsmgate.Session
	var kind, status string
	var resourceID *string
	err := row.Scan(
		&sess.ID,
		&kind,
		&sess.Subject,
		&sess.Recipient,
		&sess.Secret,
		&sess.ReferenceCode,
		&sess.Amount,
		&sess.Tolerance,
		&resourceID,
		&status,
		&sess.Attempts,
		&sess.MaxAttempts,
		&sess.IsDemo,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&sess.ExpiresAt,
		&sess.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Kind = gsmgate.SessionKind(kind)
	sess.Status = gsmgate.SessionStatus(status)
	if resourceID != nil {
		sess.ResourceID = *resourceID
	}
	return &sess, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateSession implements gsmgate.SessionStore
func (s *Storage) CreateSession(ctx context.Context, sess *gsmgate.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("invalid session")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO verification_sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		sess.ID, string(sess.Kind), sess.Subject, sess.Recipient, sess.Secret, sess.ReferenceCode,
		sess.Amount, sess.Tolerance, nullable(sess.ResourceID), string(sess.Status), sess.Attempts,
		sess.MaxAttempts, sess.IsDemo, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt, sess.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession implements gsmgate.SessionStore
func (s *Storage) GetSession(ctx context.Context, id string) (*gsmgate.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM verification_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gsmgate.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// UpdateSession implements gsmgate.SessionStore.
// The row stays locked from the read until commit.
func (s *Storage) UpdateSession(
	ctx context.Context, id string, fn func(*gsmgate.Session) error,
) (*gsmgate.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM verification_sessions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gsmgate.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	if err := fn(sess); err != nil {
		if errors.Is(err, gsmgate.ErrNoChange) {
			return sess, nil
		}
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE verification_sessions SET
				recipient = $2, secret = $3, reference_code = $4, resource_id = $5, status = $6,
				attempts = $7, is_demo = $8, updated_at = $9, expires_at = $10, confirmed_at = $11
			WHERE id = $1`,
		sess.ID, sess.Recipient, sess.Secret, sess.ReferenceCode, nullable(sess.ResourceID),
		string(sess.Status), sess.Attempts, sess.IsDemo, sess.UpdatedAt, sess.ExpiresAt, sess.ConfirmedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	return sess, nil
}

// ListPendingSessions implements gsmgate.SessionStore
func (s *Storage) ListPendingSessions(
	ctx context.Context, filter gsmgate.SessionFilter,
) ([]*gsmgate.Session, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + sessionColumns + ` FROM verification_sessions WHERE status = 'pending'`)
	args := []any{}

	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		fmt.Fprintf(&query, " AND kind = $%d", len(args))
	}
	if filter.ResourceID != "" {
		args = append(args, filter.ResourceID)
		fmt.Fprintf(&query, " AND resource_id = $%d", len(args))
	}
	if !filter.ExpiresBefore.IsZero() {
		args = append(args, filter.ExpiresBefore)
		fmt.Fprintf(&query, " AND expires_at <= $%d", len(args))
	}
	query.WriteString(" ORDER BY created_at, id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	defer rows.Close()

	var out []*gsmgate.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetEntitlement implements gsmgate.QuotaStore
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*gsmgate.Entitlement, error) {
	var ent gsmgate.Entitlement
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, tier, timezone, updated_at FROM entitlements WHERE user_id = $1`,
		userID).Scan(&ent.UserID, &ent.Tier, &ent.Timezone, &ent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gsmgate.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return &ent, nil
}

// SetEntitlement implements gsmgate.QuotaStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *gsmgate.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id, tier, timezone, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				timezone = EXCLUDED.timezone,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, ent.Tier, ent.Timezone, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// ReserveQuota implements gsmgate.QuotaStore.
// The row is created if absent, then incremented by a conditional UPDATE;
// concurrent callers serialize on the row lock.
func (s *Storage) ReserveQuota(ctx context.Context, req *gsmgate.ReserveRequest) (int, error) {
	if req == nil || req.Amount <= 0 {
		return 0, gsmgate.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO usage_quota (user_id, day, metric, used, limit_amount, updated_at)
			VALUES ($1, $2::date, $3, 0, $4, NOW())
			ON CONFLICT (user_id, day, metric) DO NOTHING`,
		req.UserID, req.Date, req.Metric, req.Limit)
	if err != nil {
		return 0, fmt.Errorf("failed to create usage row: %w", err)
	}

	var used int
	err = tx.QueryRow(ctx,
		`UPDATE usage_quota SET used = used + $4, limit_amount = $5, updated_at = NOW()
			WHERE user_id = $1 AND day = $2::date AND metric = $3
				AND ($6 OR used + $4 <= $5)
			RETURNING used`,
		req.UserID, req.Date, req.Metric, req.Amount, req.Limit, req.Unlimited).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.QueryRow(ctx,
			`SELECT used FROM usage_quota WHERE user_id = $1 AND day = $2::date AND metric = $3`,
			req.UserID, req.Date, req.Metric).Scan(&used); err != nil {
			return 0, fmt.Errorf("failed to read usage: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("failed to commit usage row: %w", err)
		}
		return used, gsmgate.ErrQuotaExceeded
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve quota: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return used, nil
}

// ReleaseQuota implements gsmgate.QuotaStore
func (s *Storage) ReleaseQuota(ctx context.Context, userID, date, metric string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gsmgate.ErrInvalidAmount
	}

	var used int
	err := s.pool.QueryRow(ctx,
		`UPDATE usage_quota SET used = GREATEST(used - $4, 0), updated_at = NOW()
			WHERE user_id = $1 AND day = $2::date AND metric = $3
			RETURNING used`,
		userID, date, metric, amount).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release quota: %w", err)
	}
	return used, nil
}

// GetQuotaUsage implements gsmgate.QuotaStore
func (s *Storage) GetQuotaUsage(ctx context.Context, userID, date string) ([]*gsmgate.UsageQuota, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, to_char(day, 'YYYY-MM-DD'), metric, used, limit_amount, updated_at
			FROM usage_quota WHERE user_id = $1 AND day = $2::date
			ORDER BY metric`,
		userID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota usage: %w", err)
	}
	defer rows.Close()

	var out []*gsmgate.UsageQuota
	for rows.Next() {
		var u gsmgate.UsageQuota
		if err := rows.Scan(&u.UserID, &u.Date, &u.Metric, &u.Used, &u.Limit, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// startCleanup runs periodic cleanup of old records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Errors are retried on the next tick
			_ = s.Cleanup(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Cleanup deletes closed leases and finished sessions older than RecordTTL
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.RecordTTL)

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM leases WHERE released_at IS NOT NULL AND released_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup leases: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM verification_sessions WHERE status <> 'pending' AND updated_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup sessions: %w", err)
	}
	return nil
}
