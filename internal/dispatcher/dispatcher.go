package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mshirdel/campaign-core/internal/model"
)

var (
	ErrNoHealthy = fmt.Errorf("no healthy providers")
	ErrNoAcquire = fmt.Errorf("provider not acquired")
)

// Dispatcher round-robins a single send attempt over healthy providers.
// Retry policy lives in the retry coordinator, not here: one Dispatch call is
// one provider attempt.
type Dispatcher struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
}

func NewDispatcher(provs []Provider) *Dispatcher {
	return &Dispatcher{providers: provs}
}

func (d *Dispatcher) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(d.providers))
	for _, p := range d.providers {
		if p.Ready() {
			healthy = append(healthy, p)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

// Dispatch performs one provider attempt for the message. On success it
// returns the provider-assigned message id. Failures come back as *SendError
// so callers can route transient ones to the retry coordinator; breaker
// saturation counts as transient.
func (d *Dispatcher) Dispatch(ctx context.Context, env model.Envelope) (string, error) {
	p, err := d.selectProvider()
	if err != nil {
		return "", transientErr("", err)
	}

	if !p.Acquire() {
		return "", transientErr(p.Name(), ErrNoAcquire)
	}

	return p.Send(ctx, env.Channel, env.Recipient, env.Content)
}
