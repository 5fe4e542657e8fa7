// Package tiered provides a Hot/Cold gsmgate.QuotaStore that enforces daily
// limits on a fast shared store (Hot, e.g. Redis) and mirrors every granted
// reservation into a durable store (Cold, e.g. Postgres or Firestore).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot enforces limits and serves reads (e.g. Redis, Memory)
	Hot gsmgate.QuotaStore

	// Cold is the durable copy and the source of truth for entitlements
	// (e.g. Postgres, Firestore)
	Cold gsmgate.QuotaStore

	// AsyncUsageSync mirrors usage to Cold on a background worker. If false,
	// mirroring happens inline (slower but never lags).
	AsyncUsageSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Cold write fails or is dropped
	AsyncErrorHandler func(error)
}

// Storage implements gsmgate.QuotaStore over two backends:
// - Read-Through: entitlements (Hot, then Cold, then fill Hot)
// - Write-Through: entitlements (Cold, then Hot)
// - Hot-Primary/Cold-Audit: reservations and releases
type Storage struct {
	hot  gsmgate.QuotaStore
	cold gsmgate.QuotaStore
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var (
	_ gsmgate.QuotaStore = (*Storage)(nil)
	_ gsmgate.TimeSource = (*Storage)(nil)
)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncUsageSync {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending Cold writes and stops the async worker
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so per-user ordering is preserved.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// mirror applies job to Cold, inline or through the worker
func (s *Storage) mirror(ctx context.Context, job func(ctx context.Context) error) {
	if !s.conf.AsyncUsageSync {
		s.report(job(ctx))
		return
	}

	select {
	case s.syncQueue <- func() error {
		// Background context: the write must outlive the request
		return job(context.Background())
	}:
	default:
		s.report(errors.New("sync queue full, dropping cold write"))
	}
}

// GetEntitlement implements gsmgate.QuotaStore with read-through strategy.
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*gsmgate.Entitlement, error) {
	ent, err := s.hot.GetEntitlement(ctx, userID)
	if err == nil {
		return ent, nil
	}

	ent, err = s.cold.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Cache fill; Cold stays authoritative
	_ = s.hot.SetEntitlement(ctx, ent)
	return ent, nil
}

// SetEntitlement implements gsmgate.QuotaStore with write-through strategy.
func (s *Storage) SetEntitlement(ctx context.Context, ent *gsmgate.Entitlement) error {
	if err := s.cold.SetEntitlement(ctx, ent); err != nil {
		return err
	}
	_ = s.hot.SetEntitlement(ctx, ent)
	return nil
}

// ReserveQuota implements gsmgate.QuotaStore. Hot decides; a granted
// reservation is then added to Cold unconditionally so Cold never rejects
// what Hot already granted.
func (s *Storage) ReserveQuota(ctx context.Context, req *gsmgate.ReserveRequest) (int, error) {
	used, err := s.hot.ReserveQuota(ctx, req)
	if err != nil {
		return used, err
	}

	mirrored := *req
	mirrored.Unlimited = true
	s.mirror(ctx, func(ctx context.Context) error {
		_, err := s.cold.ReserveQuota(ctx, &mirrored)
		return err
	})

	return used, nil
}

// ReleaseQuota implements gsmgate.QuotaStore
func (s *Storage) ReleaseQuota(ctx context.Context, userID, date, metric string, amount int) (int, error) {
	used, err := s.hot.ReleaseQuota(ctx, userID, date, metric, amount)
	if err != nil {
		return used, err
	}

	s.mirror(ctx, func(ctx context.Context) error {
		_, err := s.cold.ReleaseQuota(ctx, userID, date, metric, amount)
		return err
	})
	return used, nil
}

// GetQuotaUsage implements gsmgate.QuotaStore. Hot is read first; Cold
// answers for days Hot no longer holds.
func (s *Storage) GetQuotaUsage(ctx context.Context, userID, date string) ([]*gsmgate.UsageQuota, error) {
	rows, err := s.hot.GetQuotaUsage(ctx, userID, date)
	if err == nil && len(rows) > 0 {
		return rows, nil
	}
	return s.cold.GetQuotaUsage(ctx, userID, date)
}

// Now uses Hot store time, since Hot buckets the reservations.
// Falls back to Cold, then local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.hot.(gsmgate.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.cold.(gsmgate.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}
