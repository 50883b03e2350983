package binance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairhedge/pairhedge/internal/clock"
)

func TestRateGateEnforcesSpacing(t *testing.T) {
	t.Parallel()

	gate := NewRateGate(30*time.Millisecond, nil)

	start := time.Now()
	require.NoError(t, gate.Wait(context.Background()))
	require.NoError(t, gate.Wait(context.Background()))

	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "expected gate to enforce minimum spacing")
}

func TestRateGateRespectsContext(t *testing.T) {
	t.Parallel()

	gate := NewRateGate(100*time.Millisecond, nil)
	require.NoError(t, gate.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := gate.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateGateCooldownExtendsDelay(t *testing.T) {
	t.Parallel()

	gate := NewRateGate(5*time.Millisecond, nil)
	require.NoError(t, gate.Wait(context.Background()))

	gate.Cooldown(40 * time.Millisecond)

	start := time.Now()
	require.NoError(t, gate.Wait(context.Background()))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "expected cooldown to extend wait duration")
}

func TestRateGateShorterCooldownNeverShrinksSchedule(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	gate := NewRateGate(time.Millisecond, fake)

	gate.Cooldown(10 * time.Second)
	gate.Cooldown(time.Second)

	start := fake.Now()
	require.NoError(t, gate.Wait(context.Background()))
	require.GreaterOrEqual(t, fake.Now().Sub(start), 10*time.Second)
}

func TestRateGateRunsOnFakeClock(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	gate := NewRateGate(250*time.Millisecond, fake)

	start := fake.Now()
	for range 4 {
		require.NoError(t, gate.Wait(context.Background()))
	}
	// Three spacings between four requests, no real time spent.
	require.GreaterOrEqual(t, fake.Now().Sub(start), 750*time.Millisecond)
}
