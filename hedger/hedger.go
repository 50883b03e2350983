// Package hedger drives delta-neutral hedge cycles across independently
// authenticated exchange accounts: one primary account accumulates a long
// position through a limit order while helper accounts mirror each observed
// fill increment with market sells, the combined position is held, unwound,
// and the books reconciled before the next cycle begins.
package hedger

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pairhedge/pairhedge/binance"
	"github.com/pairhedge/pairhedge/monitor"
)

// Exchange is the per-account surface the coordinator drives. One value per
// account; *binance.Gateway implements it.
type Exchange interface {
	Account() binance.Account
	Constraints() binance.Constraints
	Price(ctx context.Context, symbol string) (float64, error)
	BestBid(ctx context.Context, symbol string) (binance.Level, error)
	Position(ctx context.Context, symbol string) (binance.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarket(ctx context.Context, symbol string, side binance.Side, quantity float64, clientOrderID string) (binance.Order, error)
	PlaceLimit(ctx context.Context, symbol string, side binance.Side, quantity, price float64, clientOrderID string) (binance.Order, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (binance.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePosition(ctx context.Context, symbol, clientOrderID string) (binance.CloseResult, error)
	AvailableUSDT(ctx context.Context) (float64, error)
	Income(ctx context.Context, symbol string, since time.Time) ([]binance.Income, error)
	SyncClock(ctx context.Context) error
}

// FillWatcher is the monitoring surface the coordinator consumes.
type FillWatcher interface {
	WaitForTerminal(ctx context.Context, symbol string, orderID int64, maxWait time.Duration) (monitor.WaitResult, error)
	StreamFills(ctx context.Context, symbol string, orderID int64, maxWait time.Duration) *monitor.FillStream
}

// Venue couples one account's exchange surface with its order monitor.
type Venue struct {
	Exchange Exchange
	Watcher  FillWatcher
}

// Label returns the venue's account label.
func (v Venue) Label() string { return v.Exchange.Account().Label }

// Rand is the randomness the engine draws from for selection, sizing, and
// hold periods. *rand.Rand from math/rand/v2 satisfies it; tests substitute
// scripted sequences.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

func defaultRand() Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// uniformFloat draws U(lo, hi).
func uniformFloat(r Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + (hi-lo)*r.Float64()
}

// uniformDuration draws U(lo, hi).
func uniformDuration(r Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r.Float64()*float64(hi-lo))
}

// CycleRecord is one cycle's audit row.
type CycleRecord struct {
	Seq        uint32
	Symbol     string
	Primary    string
	Target     float64
	Executed   float64
	Hedged     float64
	Rehangs    int
	Status     string
	Anomaly    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Cycle outcome statuses recorded in the journal.
const (
	CycleStatusHedged = "hedged"
	CycleStatusForced = "forced"
	CycleStatusFailed = "failed"
)

// OrderRecord is one placed order's audit row.
type OrderRecord struct {
	CycleSeq      uint32
	Account       string
	ClientOrderID string
	OrderID       int64
	Side          string
	Type          string
	Quantity      float64
	Price         float64
	Executed      float64
	Status        string
	PlacedAt      time.Time
}

// IncomeRecord is one account income row attributed to a cycle.
type IncomeRecord struct {
	CycleSeq uint32
	Account  string
	Type     string
	Amount   float64
	Asset    string
	At       time.Time
}

// Recorder receives audit events. Recording failures are the caller's to log;
// they never fail a cycle. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
	RecordOrder(ctx context.Context, rec OrderRecord) error
	RecordIncome(ctx context.Context, rec IncomeRecord) error
}

// NopRecorder discards every record.
type NopRecorder struct{}

func (NopRecorder) RecordCycle(context.Context, CycleRecord) error   { return nil }
func (NopRecorder) RecordOrder(context.Context, OrderRecord) error   { return nil }
func (NopRecorder) RecordIncome(context.Context, IncomeRecord) error { return nil }
