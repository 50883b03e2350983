package binance

import (
	"context"
	"sync"
	"time"

	"github.com/pairhedge/pairhedge/internal/clock"
)

const defaultRequestSpacing = 100 * time.Millisecond

// RateGate enforces a minimum spacing between one account's requests and
// absorbs throttling cooldowns from the venue. Safe for concurrent use by
// multiple goroutines.
type RateGate struct {
	clk        clock.Clock
	mu         sync.Mutex
	minSpacing time.Duration
	next       time.Time
}

// NewRateGate returns a gate enforcing minSpacing between operations. A
// non-positive spacing falls back to the default.
func NewRateGate(minSpacing time.Duration, clk clock.Clock) *RateGate {
	if minSpacing <= 0 {
		minSpacing = defaultRequestSpacing
	}
	if clk == nil {
		clk = clock.System()
	}
	return &RateGate{
		clk:        clk,
		minSpacing: minSpacing,
		next:       clk.Now(),
	}
}

// Wait blocks until the next request slot opens, then reserves it.
func (g *RateGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.clk.Now()
		wait := g.next.Sub(now)
		if wait <= 0 {
			g.next = now.Add(g.minSpacing)
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		if err := g.clk.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Cooldown pushes the next slot out by d, typically after a 429. Shorter
// cooldowns never shrink an already scheduled one.
func (g *RateGate) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.clk.Now().Add(d)
	if next.After(g.next) {
		g.next = next
	}
}
