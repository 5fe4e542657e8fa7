package gsmgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	releaseReasonSession   = "session"
	releaseReasonReclaimed = "reclaimed"
	releaseReasonThrottled = "throttled"
	releaseReasonDispatch  = "dispatch_failed"
)

// PoolManager leases physical modems and API keys exclusively to sessions
type PoolManager struct {
	store   ResourceStore
	driver  Driver
	config  PoolConfig
	limiter *keyLimiter
}

// HealthReport summarises one HealthSweep
type HealthReport struct {
	Probed      int
	Online      int
	WentOffline int
	Recovered   int
	Reclaimed   []*Lease
}

// NewPoolManager creates a pool manager over the given store. driver may be
// nil when the pool only holds api keys; HealthSweep then only reclaims.
func NewPoolManager(store ResourceStore, driver Driver, config PoolConfig) (*PoolManager, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 5
	}
	if config.OfflineAfter <= 0 {
		config.OfflineAfter = 2 * time.Minute
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = 5 * time.Second
	}
	if config.HealthConcurrency <= 0 {
		config.HealthConcurrency = 8
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &PoolManager{
		store:   store,
		driver:  driver,
		config:  config,
		limiter: newKeyLimiter(config.APIKeyRate, config.APIKeyBurst),
	}, nil
}

// Register adds a resource to the pool
func (p *PoolManager) Register(ctx context.Context, res *Resource) error {
	if res == nil || res.Kind == "" || res.Identifier == "" {
		return fmt.Errorf("invalid resource")
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.Status == "" {
		res.Status = ResourceAvailable
	}

	now := p.config.Clock()
	res.CreatedAt = now
	res.UpdatedAt = now
	if res.LastSeenAt.IsZero() {
		res.LastSeenAt = now
	}

	if err := p.store.CreateResource(ctx, res); err != nil {
		return fmt.Errorf("register resource: %w", err)
	}

	p.config.Logger.Info("resource registered",
		Field{"resource_id", res.ID}, Field{"kind", res.Kind}, Field{"role", res.RoleType})
	return nil
}

// Assign links a resource to an owner so Criteria.OwnerID can select it
func (p *PoolManager) Assign(ctx context.Context, ownerID, resourceID string) error {
	if ownerID == "" || resourceID == "" {
		return fmt.Errorf("owner and resource are required")
	}
	return p.store.Assign(ctx, &Assignment{
		OwnerID:    ownerID,
		ResourceID: resourceID,
		CreatedAt:  p.config.Clock(),
	})
}

// Unassign removes an owner link
func (p *PoolManager) Unassign(ctx context.Context, ownerID, resourceID string) error {
	return p.store.Unassign(ctx, ownerID, resourceID)
}

// GetResource returns a resource by id
func (p *PoolManager) GetResource(ctx context.Context, id string) (*Resource, error) {
	return p.store.GetResource(ctx, id)
}

// ListResources returns the resources of a kind (all kinds if empty)
func (p *PoolManager) ListResources(ctx context.Context, kind ResourceKind) ([]*Resource, error) {
	return p.store.ListResources(ctx, kind)
}

// LeaseResource claims the highest-priority available resource of kind that
// matches criteria. It never waits: either a resource is leased or
// ErrNoResourceAvailable is returned immediately.
func (p *PoolManager) LeaseResource(
	ctx context.Context, kind ResourceKind, criteria Criteria, sessionID string,
) (*Resource, *Lease, error) {
	candidates, err := p.store.ListCandidates(ctx, kind, criteria)
	if err != nil {
		return nil, nil, fmt.Errorf("list candidates: %w", err)
	}

	throttled := false
	for _, res := range candidates {
		lease, err := p.store.TryLease(ctx, res.ID, sessionID, p.config.Clock())
		if errors.Is(err, ErrLeaseConflict) || errors.Is(err, ErrResourceNotFound) {
			// Lost the race for this one; try the next candidate
			p.config.Metrics.RecordLeaseConflict(kind)
			p.config.Logger.Debug("lease conflict",
				Field{"resource_id", res.ID}, Field{"session_id", sessionID})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("lease resource %s: %w", res.ID, err)
		}

		if res.Kind == KindAPIKey && !p.limiter.allow(res.ID) {
			throttled = true
			if _, err := p.store.ReleaseLease(ctx, res.ID, sessionID, releaseReasonThrottled, p.config.Clock()); err != nil {
				p.config.Logger.Error("failed to release throttled key",
					Field{"resource_id", res.ID}, Field{"error", err})
			}
			continue
		}

		res.Status = ResourceLeased
		p.config.Metrics.RecordLease(kind, "leased")
		p.config.Logger.Debug("resource leased",
			Field{"resource_id", res.ID}, Field{"session_id", sessionID})
		return res, lease, nil
	}

	if throttled {
		p.config.Metrics.RecordLease(kind, "throttled")
	} else {
		p.config.Metrics.RecordLease(kind, "exhausted")
	}
	return nil, nil, ErrNoResourceAvailable
}

// ReleaseResource ends the lease held by holderSessionID. Releasing a lease
// that is already closed, or that now belongs to another session, is a no-op.
func (p *PoolManager) ReleaseResource(ctx context.Context, resourceID, holderSessionID string) (bool, error) {
	return p.release(ctx, resourceID, holderSessionID, releaseReasonSession)
}

func (p *PoolManager) release(ctx context.Context, resourceID, holderSessionID, reason string) (bool, error) {
	if resourceID == "" {
		return false, nil
	}

	released, err := p.store.ReleaseLease(ctx, resourceID, holderSessionID, reason, p.config.Clock())
	if err != nil {
		return false, fmt.Errorf("release resource %s: %w", resourceID, err)
	}
	if released {
		p.config.Metrics.RecordRelease(reason)
	}
	return released, nil
}

// MarkError records a device failure. Past the error threshold the resource
// is disabled until ResetResource is called.
func (p *PoolManager) MarkError(ctx context.Context, resourceID, message string) (*Resource, error) {
	res, err := p.store.RecordResourceError(ctx, resourceID, message, p.config.ErrorThreshold, p.config.Clock())
	if err != nil {
		return nil, fmt.Errorf("mark error %s: %w", resourceID, err)
	}

	p.config.Metrics.RecordResourceError(res.Kind, res.Status)
	p.config.Logger.Warn("resource error",
		Field{"resource_id", resourceID},
		Field{"status", res.Status},
		Field{"error_count", res.ErrorCount},
		Field{"message", message})

	if res.Status == ResourceDisabled {
		p.limiter.forget(resourceID)
	}
	return res, nil
}

// ResetResource returns a disabled, errored or offline resource to service
func (p *PoolManager) ResetResource(ctx context.Context, resourceID string) error {
	if err := p.store.ResetResource(ctx, resourceID, p.config.Clock()); err != nil {
		return fmt.Errorf("reset resource %s: %w", resourceID, err)
	}
	p.config.Logger.Info("resource reset", Field{"resource_id", resourceID})
	return nil
}

// HealthSweep probes every modem, marks unresponsive ones offline, brings
// recovered ones back and reclaims leases held on unusable resources.
func (p *PoolManager) HealthSweep(ctx context.Context) (*HealthReport, error) {
	start := time.Now()
	report := &HealthReport{}

	if p.driver != nil {
		resources, err := p.store.ListResources(ctx, KindModem)
		if err != nil {
			return nil, fmt.Errorf("list resources: %w", err)
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.config.HealthConcurrency)

		for _, res := range resources {
			if res.Status == ResourceDisabled {
				continue
			}
			res := res
			g.Go(func() error {
				p.probe(gctx, res, report, &mu)
				return nil
			})
		}
		_ = g.Wait()
	}

	reclaimed, err := p.ReclaimOrphanedLeases(ctx)
	if err != nil {
		return report, err
	}
	report.Reclaimed = reclaimed

	p.config.Metrics.RecordSweep("health", time.Since(start), report.WentOffline+len(reclaimed))
	return report, nil
}

func (p *PoolManager) probe(ctx context.Context, res *Resource, report *HealthReport, mu *sync.Mutex) {
	pctx, cancel := context.WithTimeout(ctx, p.config.HealthCheckTimeout)
	health, err := p.driver.HealthCheck(pctx, res)
	cancel()

	now := p.config.Clock()
	mu.Lock()
	report.Probed++
	mu.Unlock()

	if err == nil && health.Online {
		if err := p.store.TouchResource(ctx, res.ID, now); err != nil {
			p.config.Logger.Error("failed to record health probe",
				Field{"resource_id", res.ID}, Field{"error", err})
		}
		// error_count is kept so repeated faults still reach the threshold
		recovered := false
		if res.Status == ResourceOffline || res.Status == ResourceError {
			ok, err := p.store.SetResourceStatus(ctx, res.ID,
				[]ResourceStatus{ResourceOffline, ResourceError}, ResourceAvailable, now)
			if err != nil {
				p.config.Logger.Error("failed to recover resource",
					Field{"resource_id", res.ID}, Field{"error", err})
			}
			recovered = ok
		}

		mu.Lock()
		report.Online++
		if recovered {
			report.Recovered++
		}
		mu.Unlock()
		return
	}

	p.config.Logger.Debug("health probe failed",
		Field{"resource_id", res.ID}, Field{"error", err}, Field{"signal", health.Signal})

	if now.Sub(res.LastSeenAt) <= p.config.OfflineAfter {
		return
	}

	ok, err := p.store.SetResourceStatus(ctx, res.ID,
		[]ResourceStatus{ResourceAvailable, ResourceLeased}, ResourceOffline, now)
	if err != nil {
		p.config.Logger.Error("failed to mark resource offline",
			Field{"resource_id", res.ID}, Field{"error", err})
		return
	}
	if ok {
		p.config.Logger.Warn("resource offline",
			Field{"resource_id", res.ID}, Field{"last_seen_at", res.LastSeenAt})
		mu.Lock()
		report.WentOffline++
		mu.Unlock()
	}
}

// ReclaimOrphanedLeases force-releases every open lease whose resource is
// offline, errored or disabled so the owning session can fall back or retry.
func (p *PoolManager) ReclaimOrphanedLeases(ctx context.Context) ([]*Lease, error) {
	leases, err := p.store.ListOpenLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open leases: %w", err)
	}

	var reclaimed []*Lease
	for _, lease := range leases {
		res, err := p.store.GetResource(ctx, lease.ResourceID)
		if err != nil {
			p.config.Logger.Error("failed to load leased resource",
				Field{"resource_id", lease.ResourceID}, Field{"error", err})
			continue
		}

		switch res.Status {
		case ResourceOffline, ResourceError, ResourceDisabled:
		default:
			continue
		}

		ok, err := p.release(ctx, lease.ResourceID, lease.SessionID, releaseReasonReclaimed)
		if err != nil {
			p.config.Logger.Error("failed to reclaim lease",
				Field{"resource_id", lease.ResourceID}, Field{"error", err})
			continue
		}
		if ok {
			p.config.Logger.Warn("lease reclaimed",
				Field{"resource_id", lease.ResourceID},
				Field{"session_id", lease.SessionID},
				Field{"status", res.Status})
			lease.ReleaseReason = releaseReasonReclaimed
			reclaimed = append(reclaimed, lease)
		}
	}

	return reclaimed, nil
}
