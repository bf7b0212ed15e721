package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/mshirdel/campaign-core/internal/metrics"
	"github.com/mshirdel/campaign-core/internal/model"
)

// ErrQuotaExceeded is returned when a reservation cannot be granted. The
// caller must not dispatch anything; nothing was partially applied.
var ErrQuotaExceeded = errors.New("quota exceeded")

// UsageStore is the slice of the subscriptions repository the guard needs.
type UsageStore interface {
	TryReserve(ctx context.Context, subscriptionID int64, channel model.Channel, n int) (bool, error)
	Remaining(ctx context.Context, subscriptionID int64, channel model.Channel) (int, error)
}

// Guard enforces per-subscription, per-channel usage ceilings. All counter
// mutation goes through the store's conditional increment, which is the single
// serialization point per subscription: two concurrent reservations can never
// both pass a denied check.
type Guard struct {
	store UsageStore
}

func NewGuard(store UsageStore) *Guard {
	return &Guard{store: store}
}

// Reserve atomically checks and consumes `count` units of the channel quota.
// On denial it returns ErrQuotaExceeded along with how much quota remains;
// the counter is left untouched.
func (g *Guard) Reserve(ctx context.Context, subscriptionID int64, channel model.Channel, count int) (remaining int, err error) {
	if count <= 0 {
		return 0, fmt.Errorf("quota: invalid reservation count %d", count)
	}
	if !channel.Valid() {
		return 0, fmt.Errorf("quota: invalid channel %q", channel)
	}

	granted, err := g.store.TryReserve(ctx, subscriptionID, channel, count)
	if err != nil {
		return 0, fmt.Errorf("quota reserve: %w", err)
	}

	remaining, rerr := g.store.Remaining(ctx, subscriptionID, channel)
	if rerr != nil {
		// The reservation outcome is already decided; remaining is advisory.
		remaining = 0
	}

	if !granted {
		metrics.QuotaDenialsTotal.WithLabelValues(channel.String()).Inc()
		return remaining, ErrQuotaExceeded
	}
	return remaining, nil
}
