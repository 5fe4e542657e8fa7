package gsmgate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// QuotaTracker meters per-user daily usage against tier limits. Counters
// live in per-day rows that are created lazily, so a new day starts at zero
// without any reset job and past days are never written again.
type QuotaTracker struct {
	store  QuotaStore
	config QuotaConfig
}

// Reservation is a successful CheckAndReserve
type Reservation struct {
	UserID    string
	Metric    string
	Date      string
	Amount    int
	Used      int
	Limit     int
	Unlimited bool
}

// UsageStatus is the display view of one metric for today
type UsageStatus struct {
	Metric    string
	Date      string
	Used      int
	Limit     int
	Unlimited bool
	ResetsAt  time.Time
}

// Remaining returns the amount left today, or -1 when unlimited
func (u UsageStatus) Remaining() int {
	if u.Unlimited {
		return -1
	}
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// NewQuotaTracker creates a quota tracker over store
func NewQuotaTracker(store QuotaStore, config QuotaConfig) (*QuotaTracker, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.DefaultTier == "" {
		config.DefaultTier = "free"
	}
	if config.DayBoundary == "" {
		config.DayBoundary = DayBoundaryServer
	}
	if config.DayBoundary != DayBoundaryServer && config.DayBoundary != DayBoundarySubscriber {
		return nil, fmt.Errorf("invalid day boundary %q", config.DayBoundary)
	}
	if config.Location == nil {
		config.Location = time.UTC
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

	return &QuotaTracker{
		store:  store,
		config: config,
	}, nil
}

// CheckAndReserve adds amount to today's counter for metric only if the
// result stays within the user's tier limit. On ErrQuotaExceeded the counter
// is unchanged. A metric absent from the tier has a limit of zero.
func (q *QuotaTracker) CheckAndReserve(ctx context.Context, userID, metric string, amount int) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if userID == "" || metric == "" {
		return nil, fmt.Errorf("user and metric are required")
	}

	ent := q.entitlement(ctx, userID)
	limit := q.limitFor(ent.Tier, metric)
	unlimited := limit >= Unlimited

	now := q.now(ctx)
	date := dayKey(now, q.location(ent))

	used, err := q.store.ReserveQuota(ctx, &ReserveRequest{
		UserID:    userID,
		Date:      date,
		Metric:    metric,
		Amount:    amount,
		Limit:     limit,
		Unlimited: unlimited,
	})
	if errors.Is(err, ErrQuotaExceeded) {
		q.config.Metrics.RecordQuotaReservation(metric, amount, false)
		q.config.Logger.Info("quota exceeded",
			Field{"user_id", userID},
			Field{"metric", metric},
			Field{"date", date},
			Field{"used", used},
			Field{"limit", limit},
			Field{"amount", amount})
		return nil, ErrQuotaExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	q.config.Metrics.RecordQuotaReservation(metric, amount, true)
	return &Reservation{
		UserID:    userID,
		Metric:    metric,
		Date:      date,
		Amount:    amount,
		Used:      used,
		Limit:     limit,
		Unlimited: unlimited,
	}, nil
}

// Release gives back a reservation, e.g. when the metered call failed. A
// reservation from a day that has already rolled over is not refunded.
func (q *QuotaTracker) Release(ctx context.Context, r *Reservation) (int, error) {
	if r == nil || r.Amount <= 0 {
		return 0, ErrInvalidAmount
	}

	ent := q.entitlement(ctx, r.UserID)
	today := dayKey(q.now(ctx), q.location(ent))
	if r.Date != today {
		q.config.Logger.Debug("skipping refund for past day",
			Field{"user_id", r.UserID}, Field{"date", r.Date}, Field{"today", today})
		return 0, nil
	}

	used, err := q.store.ReleaseQuota(ctx, r.UserID, r.Date, r.Metric, r.Amount)
	if err != nil {
		return 0, fmt.Errorf("release quota: %w", err)
	}
	return used, nil
}

// GetStatus returns today's usage for every metric of the user's tier plus
// any metric already metered today. It never writes.
func (q *QuotaTracker) GetStatus(ctx context.Context, userID string) (map[string]UsageStatus, error) {
	ent := q.entitlement(ctx, userID)
	loc := q.location(ent)
	now := q.now(ctx)
	date := dayKey(now, loc)
	resets := nextDay(now, loc)

	rows, err := q.store.GetQuotaUsage(ctx, userID, date)
	if err != nil {
		return nil, fmt.Errorf("get quota usage: %w", err)
	}

	status := make(map[string]UsageStatus)
	if tier, ok := q.config.Tiers[ent.Tier]; ok {
		for metric, limit := range tier.DailyLimits {
			status[metric] = UsageStatus{
				Metric:    metric,
				Date:      date,
				Limit:     limit,
				Unlimited: limit >= Unlimited,
				ResetsAt:  resets,
			}
		}
	}

	for _, row := range rows {
		limit := q.limitFor(ent.Tier, row.Metric)
		status[row.Metric] = UsageStatus{
			Metric:    row.Metric,
			Date:      date,
			Used:      row.Used,
			Limit:     limit,
			Unlimited: limit >= Unlimited,
			ResetsAt:  resets,
		}
	}

	return status, nil
}

// SetEntitlement stores the tier and timezone of a subscriber
func (q *QuotaTracker) SetEntitlement(ctx context.Context, ent *Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("entitlement user is required")
	}
	if ent.Timezone != "" {
		if _, err := time.LoadLocation(ent.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", ent.Timezone, err)
		}
	}
	ent.UpdatedAt = q.config.Clock()
	return q.store.SetEntitlement(ctx, ent)
}

// GetEntitlement returns the stored entitlement of a user
func (q *QuotaTracker) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	return q.store.GetEntitlement(ctx, userID)
}

// entitlement never fails: users without one, or whose lookup errors, are
// metered under the default tier
func (q *QuotaTracker) entitlement(ctx context.Context, userID string) *Entitlement {
	ent, err := q.store.GetEntitlement(ctx, userID)
	if err == nil && ent != nil {
		if ent.Tier == "" {
			ent.Tier = q.config.DefaultTier
		}
		return ent
	}
	if !errors.Is(err, ErrEntitlementNotFound) {
		q.config.Logger.Warn("entitlement lookup failed, using default tier",
			Field{"user_id", userID}, Field{"error", err})
	}
	return &Entitlement{UserID: userID, Tier: q.config.DefaultTier}
}

func (q *QuotaTracker) limitFor(tier, metric string) int {
	if cfg, ok := q.config.Tiers[tier]; ok {
		return cfg.DailyLimits[metric]
	}
	if cfg, ok := q.config.Tiers[q.config.DefaultTier]; ok {
		return cfg.DailyLimits[metric]
	}
	return 0
}

func (q *QuotaTracker) location(ent *Entitlement) *time.Location {
	if q.config.DayBoundary != DayBoundarySubscriber || ent == nil || ent.Timezone == "" {
		return q.config.Location
	}
	loc, err := time.LoadLocation(ent.Timezone)
	if err != nil {
		q.config.Logger.Warn("invalid subscriber timezone, using server calendar",
			Field{"user_id", ent.UserID}, Field{"timezone", ent.Timezone})
		return q.config.Location
	}
	return loc
}

// now prefers the store clock so every process agrees on the day bucket
func (q *QuotaTracker) now(ctx context.Context) time.Time {
	if ts, ok := q.store.(TimeSource); ok {
		t, err := ts.Now(ctx)
		if err == nil {
			return t
		}
		q.config.Logger.Warn("store time unavailable, using local clock", Field{"error", err})
	}
	return q.config.Clock()
}
