package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/pairhedge/pairhedge/hedger"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, j.Close())
	})
	return j
}

func TestJournalCycleRoundTrip(t *testing.T) {
	t.Parallel()

	j := newTestJournal(t)
	ctx := context.Background()
	base := time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)

	cycles := []hedger.CycleRecord{
		{
			Seq:        1,
			Symbol:     "BTCUSDT",
			Primary:    "alpha",
			Target:     0.012,
			Executed:   0.012,
			Hedged:     0.012,
			Rehangs:    0,
			Status:     hedger.CycleStatusHedged,
			StartedAt:  base,
			FinishedAt: base.Add(6 * time.Minute),
		},
		{
			Seq:        2,
			Symbol:     "BTCUSDT",
			Primary:    "beta",
			Target:     0.02,
			Executed:   0.015,
			Hedged:     0.014,
			Rehangs:    2,
			Status:     hedger.CycleStatusForced,
			Anomaly:    "reconcile residual 0.001",
			StartedAt:  base.Add(10 * time.Minute),
			FinishedAt: base.Add(17 * time.Minute),
		},
	}
	for _, rec := range cycles {
		require.NoError(t, j.RecordCycle(ctx, rec))
	}

	got, err := j.Cycles(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(cycles, got); diff != "" {
		t.Fatalf("cycles mismatch (-want +got):\n%s", diff)
	}
}

func TestJournalOrdersForCycle(t *testing.T) {
	t.Parallel()

	j := newTestJournal(t)
	ctx := context.Background()
	placed := time.Date(2025, time.March, 14, 9, 31, 12, 0, time.UTC)

	orders := []hedger.OrderRecord{
		{
			CycleSeq:      7,
			Account:       "alpha",
			ClientOrderID: "ph00aa",
			OrderID:       1001,
			Side:          "BUY",
			Type:          "LIMIT",
			Quantity:      0.01,
			Price:         95000.5,
			Executed:      0.01,
			Status:        "FILLED",
			PlacedAt:      placed,
		},
		{
			CycleSeq:      7,
			Account:       "beta",
			ClientOrderID: "ph00ab",
			OrderID:       2002,
			Side:          "SELL",
			Type:          "MARKET",
			Quantity:      0.01,
			Executed:      0.01,
			Status:        "FILLED",
			PlacedAt:      placed.Add(900 * time.Millisecond),
		},
	}
	for _, rec := range orders {
		require.NoError(t, j.RecordOrder(ctx, rec))
	}
	require.NoError(t, j.RecordOrder(ctx, hedger.OrderRecord{
		CycleSeq:      8,
		Account:       "alpha",
		ClientOrderID: "ph00ac",
		Side:          "BUY",
		Type:          "LIMIT",
		Quantity:      0.02,
		Status:        "NEW",
		PlacedAt:      placed.Add(time.Hour),
	}))

	got, err := j.OrdersForCycle(ctx, 7)
	require.NoError(t, err)
	if diff := cmp.Diff(orders, got); diff != "" {
		t.Fatalf("orders mismatch (-want +got):\n%s", diff)
	}

	other, err := j.OrdersForCycle(ctx, 8)
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, "ph00ac", other[0].ClientOrderID)
}

func TestJournalIncomeForCycle(t *testing.T) {
	t.Parallel()

	j := newTestJournal(t)
	ctx := context.Background()
	at := time.Date(2025, time.March, 14, 9, 40, 0, 0, time.UTC)

	income := []hedger.IncomeRecord{
		{CycleSeq: 3, Account: "alpha", Type: "COMMISSION", Amount: -0.42, Asset: "USDT", At: at},
		{CycleSeq: 3, Account: "beta", Type: "FUNDING_FEE", Amount: 0.08, Asset: "USDT", At: at.Add(time.Minute)},
	}
	for _, rec := range income {
		require.NoError(t, j.RecordIncome(ctx, rec))
	}

	got, err := j.IncomeForCycle(ctx, 3)
	require.NoError(t, err)
	if diff := cmp.Diff(income, got); diff != "" {
		t.Fatalf("income mismatch (-want +got):\n%s", diff)
	}

	empty, err := j.IncomeForCycle(ctx, 4)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestJournalSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.RecordCycle(ctx, hedger.CycleRecord{
		Seq:        1,
		Symbol:     "ETHUSDT",
		Primary:    "alpha",
		Status:     hedger.CycleStatusFailed,
		Anomaly:    "balance gate",
		StartedAt:  time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, time.June, 2, 8, 0, 1, 0, time.UTC),
	}))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, second.Close())
	})

	got, err := second.Cycles(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ETHUSDT", got[0].Symbol)
	require.Equal(t, "balance gate", got[0].Anomaly)
}

func TestJournalOpenRejectsMissingDirectory(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "missing", "journal.db"))
	require.Error(t, err)
}
