package rollup

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Store is the slice of the subscriptions repository the rollup sweeps over.
type Store interface {
	ResetDailyCounters(ctx context.Context) (int64, error)
	ResetMonthlyCounters(ctx context.Context) (int64, error)
	ExpireEnded(ctx context.Context) (int64, error)
}

// Rollup periodically resets usage counters at their billing boundaries and
// expires ended subscriptions and trials. Every sweep is a conditional UPDATE
// that only touches rows still past their boundary, so running it twice in
// the same period has no additional effect.
type Rollup struct {
	store    Store
	interval time.Duration
	log      *zap.Logger
}

func New(store Store, interval time.Duration, log *zap.Logger) *Rollup {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Rollup{store: store, interval: interval, log: log}
}

// Run sweeps immediately, then on every tick until ctx ends.
func (r *Rollup) Run(ctx context.Context) error {
	if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn("rollup sweep failed", zap.Error(err))
	}

	tick := time.NewTicker(r.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("rollup sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs one full sweep: daily reset, monthly reset, expiry.
func (r *Rollup) RunOnce(ctx context.Context) error {
	daily, err := r.store.ResetDailyCounters(ctx)
	if err != nil {
		return err
	}

	monthly, err := r.store.ResetMonthlyCounters(ctx)
	if err != nil {
		return err
	}

	expired, err := r.store.ExpireEnded(ctx)
	if err != nil {
		return err
	}

	if daily > 0 || monthly > 0 || expired > 0 {
		r.log.Info("usage rollup swept",
			zap.Int64("daily_resets", daily),
			zap.Int64("monthly_resets", monthly),
			zap.Int64("expired", expired))
	}
	return nil
}
