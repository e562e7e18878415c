package transfer

import (
	"context"
	"sync"
	"time"
)

// RateGate enforces a minimum interval between primary endpoint calls
// across every caller. The lock is held while sleeping so concurrent
// workers queue up behind one another instead of bursting.
type RateGate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// NewRateGate returns a gate that spaces calls at least interval apart.
func NewRateGate(interval time.Duration) *RateGate {
	return &RateGate{
		interval: interval,
		now:      time.Now,
		wait:     waitWithContext,
	}
}

// Wait blocks until the interval since the previous call has elapsed,
// then records the current call. It returns early with ctx.Err() if
// the context ends first, in which case no call is recorded.
func (g *RateGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.last.IsZero() {
		if remaining := g.interval - g.now().Sub(g.last); remaining > 0 {
			if err := g.wait(ctx, remaining); err != nil {
				return err
			}
		}
	}

	g.last = g.now()

	return nil
}
