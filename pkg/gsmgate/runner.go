package gsmgate

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner owns the background work of a gateway process: the inbound SMS
// consumer and the health and expiry sweeps.
type Runner struct {
	pool         *PoolManager
	orchestrator *Orchestrator
	driver       Driver
	config       RunnerConfig
}

// NewRunner creates a runner. pool and driver may be nil; the matching loops
// are then skipped.
func NewRunner(pool *PoolManager, orchestrator *Orchestrator, driver Driver, config RunnerConfig) *Runner {
	if config.HealthInterval <= 0 {
		config.HealthInterval = 30 * time.Second
	}
	if config.ExpireInterval <= 0 {
		config.ExpireInterval = 15 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	return &Runner{
		pool:         pool,
		orchestrator: orchestrator,
		driver:       driver,
		config:       config,
	}
}

// Run blocks until ctx is cancelled or the driver closes its inbound channel
// while ctx is still live. Sweep errors are logged and do not stop the loops.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if r.driver != nil && r.orchestrator != nil {
		g.Go(func() error { return r.consumeInbound(ctx) })
	}

	if r.pool != nil {
		g.Go(func() error {
			return r.every(ctx, r.config.HealthInterval, func(ctx context.Context) {
				report, err := r.pool.HealthSweep(ctx)
				if err != nil {
					r.config.Logger.Error("health sweep failed", Field{"error", err})
					return
				}
				r.config.Logger.Debug("health sweep",
					Field{"probed", report.Probed},
					Field{"online", report.Online},
					Field{"offline", report.WentOffline},
					Field{"recovered", report.Recovered},
					Field{"reclaimed", len(report.Reclaimed)})

				if r.orchestrator == nil || len(report.Reclaimed) == 0 {
					return
				}
				if _, err := r.orchestrator.FallBackReclaimed(ctx, report.Reclaimed); err != nil {
					r.config.Logger.Error("failed to move reclaimed sessions to demo mode", Field{"error", err})
				}
			})
		})
	}

	if r.orchestrator != nil {
		g.Go(func() error {
			return r.every(ctx, r.config.ExpireInterval, func(ctx context.Context) {
				if _, err := r.orchestrator.ExpireSweep(ctx); err != nil {
					r.config.Logger.Error("expire sweep failed", Field{"error", err})
				}
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ErrInboundClosed is returned by Run when the driver stops delivering messages
var ErrInboundClosed = errors.New("driver inbound channel closed")

func (r *Runner) consumeInbound(ctx context.Context) error {
	inbound := r.driver.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-inbound:
			if !ok {
				return ErrInboundClosed
			}
			_, err := r.orchestrator.MatchInboundSMS(ctx, ev)
			switch {
			case err == nil,
				errors.Is(err, ErrNoSMSMatch),
				errors.Is(err, ErrAmbiguousSMSMatch):
				// already logged by the orchestrator
			default:
				r.config.Logger.Error("inbound sms processing failed",
					Field{"resource_id", ev.ResourceID}, Field{"error", err})
			}
		}
	}
}

func (r *Runner) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}
