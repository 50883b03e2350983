package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairhedge/pairhedge/binance-mock/server"
	"github.com/pairhedge/pairhedge/cmd/pairhedge/internal/config"
	"github.com/pairhedge/pairhedge/hedger"
)

// e2eConfig returns a config tuned so a full cycle completes in a few
// seconds of real time: millisecond holds and cooldowns, with the monitor's
// poll interval as the only real wait.
func e2eConfig(t *testing.T, baseURL string) config.AppConfig {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Accounts = []string{
		"alpha:key-a:secret-a",
		"bravo:key-b:secret-b",
		"charlie:key-c:secret-c",
	}
	cfg.BaseURL = baseURL
	cfg.Symbol = "BTCUSDT"
	cfg.BaseQuantity = 0.01
	cfg.OrderWait = 10 * time.Second
	cfg.HoldMin = 10 * time.Millisecond
	cfg.HoldMax = 20 * time.Millisecond
	cfg.CooldownMin = 10 * time.Millisecond
	cfg.CooldownMax = 20 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RequestSpacing = time.Millisecond
	cfg.ShutdownTimeout = 30 * time.Second
	cfg.JournalPath = filepath.Join(t.TempDir(), "journal.db")
	return cfg
}

func TestE2E_HedgeCycleAgainstMockVenue(t *testing.T) {
	ts := server.NewTestServer(t)
	st := ts.State()
	st.AddAccount("key-a", "secret-a")
	st.AddAccount("key-b", "secret-b")
	st.AddAccount("key-c", "secret-c")
	st.ListSymbol("BTCUSDT", 95000)

	app, err := NewApp(AppOptions{Config: e2eConfig(t, ts.URL())})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	// A cycle lands in the journal once open, hold, unwind, and reconcile
	// have all finished.
	require.Eventually(t, func() bool {
		cycles, err := app.Journal.Cycles(context.Background())
		return err == nil && len(cycles) >= 1
	}, 30*time.Second, 100*time.Millisecond, "no cycle completed")

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(60 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}

	// Shutdown unwound whatever the cancellation interrupted.
	for _, key := range []string{"key-a", "key-b", "key-c"} {
		require.InDelta(t, 0, st.PositionAmount(key, "BTCUSDT"), 1e-9)
	}

	readCtx := context.Background()
	cycles, err := app.Journal.Cycles(readCtx)
	require.NoError(t, err)
	require.NotEmpty(t, cycles)

	first := cycles[0]
	require.Equal(t, uint32(1), first.Seq)
	require.Equal(t, "BTCUSDT", first.Symbol)
	require.Equal(t, hedger.CycleStatusHedged, first.Status)
	require.InDelta(t, first.Target, first.Executed, 1e-9)
	require.InDelta(t, first.Executed, first.Hedged, 1e-9)

	orders, err := app.Journal.OrdersForCycle(readCtx, first.Seq)
	require.NoError(t, err)
	var limitBuys, marketSells int
	for _, o := range orders {
		if o.Side == "BUY" && o.Type == "LIMIT" {
			limitBuys++
		}
		if o.Side == "SELL" && o.Type == "MARKET" {
			marketSells++
		}
	}
	require.GreaterOrEqual(t, limitBuys, 1, "primary limit order not journaled")
	require.GreaterOrEqual(t, marketSells, 2, "helper hedges not journaled")

	require.Eventually(t, func() bool {
		income, err := app.Journal.IncomeForCycle(readCtx, first.Seq)
		return err == nil && len(income) > 0
	}, 5*time.Second, 50*time.Millisecond, "no income attributed to the cycle")

	logs, err := app.Journal.Logs(readCtx)
	require.NoError(t, err)
	require.NotEmpty(t, logs, "log sink recorded nothing")

	require.NoError(t, app.Close(context.Background()))
}
