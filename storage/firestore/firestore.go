// Package firestore provides a Firestore implementation of gsmgate.QuotaStore.
// Daily counters are updated inside Firestore transactions, which retry on
// contention, so concurrent reservations never overshoot the limit.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// Storage implements gsmgate.QuotaStore and gsmgate.TimeSource using
// Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	entitlementsCollection string
	usageCollection        string
	metaCollection         string
}

var (
	_ gsmgate.QuotaStore = (*Storage)(nil)
	_ gsmgate.TimeSource = (*Storage)(nil)
)

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection is the Firestore collection for subscriber entitlements
	// Default: "gsmgate_entitlements"
	EntitlementsCollection string

	// UsageCollection is the Firestore collection for daily usage counters
	// Default: "gsmgate_usage"
	UsageCollection string

	// MetaCollection holds the clock document used by Now
	// Default: "gsmgate_meta"
	MetaCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "gsmgate_entitlements"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "gsmgate_usage"
	}
	if config.MetaCollection == "" {
		config.MetaCollection = "gsmgate_meta"
	}

	return &Storage{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		usageCollection:        config.UsageCollection,
		metaCollection:         config.MetaCollection,
	}, nil
}

// Now implements gsmgate.TimeSource. It writes a server timestamp and
// reads it back, so every process buckets days by the same clock.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	doc := s.client.Collection(s.metaCollection).Doc("clock")
	if _, err := doc.Set(ctx, map[string]interface{}{"now": firestore.ServerTimestamp}); err != nil {
		return time.Time{}, fmt.Errorf("failed to write clock document: %w", err)
	}

	snap, err := doc.Get(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read clock document: %w", err)
	}
	now := getTime(snap.Data(), "now")
	if now.IsZero() {
		return time.Time{}, fmt.Errorf("clock document has no timestamp")
	}
	return now.UTC(), nil
}

// GetEntitlement implements gsmgate.QuotaStore
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*gsmgate.Entitlement, error) {
	snap, err := s.client.Collection(s.entitlementsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gsmgate.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, gsmgate.ErrEntitlementNotFound
	}

	data := snap.Data()
	return &gsmgate.Entitlement{
		UserID:    userID,
		Tier:      getString(data, "tier"),
		Timezone:  getString(data, "timezone"),
		UpdatedAt: getTime(data, "updatedAt"),
	}, nil
}

// SetEntitlement implements gsmgate.QuotaStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *gsmgate.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	_, err := s.client.Collection(s.entitlementsCollection).Doc(ent.UserID).Set(ctx, map[string]interface{}{
		"tier":      ent.Tier,
		"timezone":  ent.Timezone,
		"updatedAt": time.Now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// ReserveQuota implements gsmgate.QuotaStore with a transaction-safe
// conditional increment
func (s *Storage) ReserveQuota(ctx context.Context, req *gsmgate.ReserveRequest) (int, error) {
	if req == nil || req.Amount <= 0 {
		return 0, gsmgate.ErrInvalidAmount
	}

	doc := s.usageDoc(req.UserID, req.Date, req.Metric)
	var used int
	var exceeded bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Reset per attempt; the closure may run more than once
		used, exceeded = 0, false

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			used = getInt(snap.Data(), "used")
		}

		next := used + req.Amount
		if !req.Unlimited && next > req.Limit {
			exceeded = true
			// The row exists from here on even when nothing was granted
			return tx.Set(doc, map[string]interface{}{
				"userId": req.UserID,
				"date":   req.Date,
				"metric": req.Metric,
				"used":   used,
				"limit":  req.Limit,
			}, firestore.MergeAll)
		}

		used = next
		return tx.Set(doc, map[string]interface{}{
			"userId":    req.UserID,
			"date":      req.Date,
			"metric":    req.Metric,
			"used":      used,
			"limit":     req.Limit,
			"updatedAt": time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if exceeded {
		return used, gsmgate.ErrQuotaExceeded
	}
	return used, nil
}

// ReleaseQuota implements gsmgate.QuotaStore
func (s *Storage) ReleaseQuota(ctx context.Context, userID, date, metric string, amount int) (int, error) {
	if amount <= 0 {
		return 0, gsmgate.ErrInvalidAmount
	}

	doc := s.usageDoc(userID, date, metric)
	var used int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		used = 0

		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if !snap.Exists() {
			return nil
		}

		used = getInt(snap.Data(), "used") - amount
		if used < 0 {
			used = 0
		}
		return tx.Set(doc, map[string]interface{}{
			"used":      used,
			"updatedAt": time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release quota: %w", err)
	}
	return used, nil
}

// GetQuotaUsage implements gsmgate.QuotaStore
func (s *Storage) GetQuotaUsage(ctx context.Context, userID, date string) ([]*gsmgate.UsageQuota, error) {
	docs, err := s.client.Collection(s.usageCollection).
		Doc(userID).
		Collection("days").
		Where("date", "==", date).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get quota usage: %w", err)
	}

	out := make([]*gsmgate.UsageQuota, 0, len(docs))
	for _, snap := range docs {
		data := snap.Data()
		out = append(out, &gsmgate.UsageQuota{
			UserID:    userID,
			Date:      date,
			Metric:    getString(data, "metric"),
			Used:      getInt(data, "used"),
			Limit:     getInt(data, "limit"),
			UpdatedAt: getTime(data, "updatedAt"),
		})
	}
	return out, nil
}

// usageDoc returns the Firestore document reference for a daily counter
func (s *Storage) usageDoc(userID, date, metric string) *firestore.DocumentRef {
	// Structure: gsmgate_usage/{userID}/days/{date}_{metric}
	return s.client.Collection(s.usageCollection).
		Doc(userID).
		Collection("days").
		Doc(fmt.Sprintf("%s_%s", date, metric))
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
