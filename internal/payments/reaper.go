package payments

import (
	"context"
	"time"

	"invoicehook/internal/logging"
)

const DefaultReapInterval = 5 * time.Minute

// Sweeper removes invoices that expired before now.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Reaper periodically sweeps expired invoices out of the ledger. It runs
// regardless of listener health.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	now      func() time.Time

	// AfterSweep, if set, runs after every sweep with the sweep time.
	AfterSweep func(now time.Time)
}

// NewReaper creates a reaper. A non-positive interval uses DefaultReapInterval.
func NewReaper(sweeper Sweeper, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		sweeper:  sweeper,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps once per interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep. Errors are logged; the next tick tries again.
func (r *Reaper) SweepOnce(ctx context.Context) int64 {
	now := r.now()

	count, err := r.sweeper.SweepExpired(ctx, now)
	if err != nil {
		logging.Internal.Errorf("reap error: %v", err)
	} else if count > 0 {
		logging.Internal.Infof("reaped %d expired invoices", count)
	}

	if r.AfterSweep != nil {
		r.AfterSweep(now)
	}
	return count
}
