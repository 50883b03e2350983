// Package server implements an in-memory Binance-style USDT-margined futures
// venue: signed REST endpoints, per-account positions and balances, scripted
// limit-order fills, and fault injection. It backs package tests through
// NewTestServer and runs standalone through Run.
package server

import (
	"math"
	"sync"
	"time"
)

const (
	makerCommission = 0.0002
	takerCommission = 0.0004
	dust            = 1e-12
)

// Fault is one API rejection: the HTTP status plus the venue's {code,msg}
// body. Injected faults and computed rejections share the shape.
type Fault struct {
	Status int
	Code   int
	Msg    string
	// RetryAfter, in seconds, is emitted as the Retry-After header when set.
	RetryAfter int
}

// OrderSnapshot is a test-facing copy of one stored order.
type OrderSnapshot struct {
	ID            int64
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Status        string
	Quantity      float64
	Price         float64
	AvgPrice      float64
	Executed      float64
	ReduceOnly    bool
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

func (o *mockOrder) snapshot() OrderSnapshot {
	return OrderSnapshot{
		ID:            o.id,
		ClientOrderID: o.clientOrderID,
		Symbol:        o.symbol,
		Side:          o.side,
		Type:          o.orderType,
		Status:        o.status,
		Quantity:      o.quantity,
		Price:         o.price,
		AvgPrice:      o.avgPrice,
		Executed:      o.executed,
		ReduceOnly:    o.reduceOnly,
		PlacedAt:      o.placedAt,
		UpdatedAt:     o.updatedAt,
	}
}

type incomeRow struct {
	Symbol string
	Type   string
	Amount float64
	Asset  string
	Time   time.Time
}

type position struct {
	amount float64
	entry  float64
}

type mockOrder struct {
	id            int64
	clientOrderID string
	symbol        string
	side          string
	orderType     string
	status        string
	quantity      float64
	price         float64
	avgPrice      float64
	executed      float64
	reduceOnly    bool
	placedAt      time.Time
	updatedAt     time.Time

	// plan holds cumulative fill fractions applied on successive queries;
	// the last value repeats, so a plan ending below 1 parks the order
	// partially filled.
	plan     []float64
	planStep int
}

func (o *mockOrder) terminal() bool {
	switch o.status {
	case "FILLED", "CANCELED", "REJECTED", "EXPIRED":
		return true
	}
	return false
}

func (o *mockOrder) refreshStatus() {
	switch {
	case o.executed >= o.quantity-dust:
		o.executed = o.quantity
		o.status = "FILLED"
	case o.executed > 0:
		o.status = "PARTIALLY_FILLED"
	default:
		o.status = "NEW"
	}
}

type accountState struct {
	secret    string
	balances  map[string]float64
	positions map[string]*position
	leverage  map[string]int
	orders    map[int64]*mockOrder
	orderIDs  []int64
	income    []incomeRow
	fillPlans [][]float64
}

type symbolState struct {
	price float64
	bid   float64
	ask   float64
}

// State is the venue's entire book of record. All access goes through its
// methods; one mutex serializes everything.
type State struct {
	mu          sync.Mutex
	accounts    map[string]*accountState
	symbols     map[string]*symbolState
	failures    map[string][]Fault
	skew        time.Duration
	nextOrderID int64
}

// NewState returns an empty venue with no accounts or symbols listed.
func NewState() *State {
	return &State{
		accounts:    make(map[string]*accountState),
		symbols:     make(map[string]*symbolState),
		failures:    make(map[string][]Fault),
		nextOrderID: 10_000_000,
	}
}

// AddAccount registers an API key pair with a starting USDT balance.
func (s *State) AddAccount(apiKey, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[apiKey] = &accountState{
		secret:    secret,
		balances:  map[string]float64{"USDT": 10_000},
		positions: make(map[string]*position),
		leverage:  make(map[string]int),
		orders:    make(map[int64]*mockOrder),
	}
}

// SetBalance overrides one asset row of an account.
func (s *State) SetBalance(apiKey, asset string, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[apiKey]; ok {
		a.balances[asset] = amount
	}
}

// ListSymbol makes a symbol tradable at the given mark price. The book is
// one tick wide around it.
func (s *State) ListSymbol(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[symbol] = &symbolState{price: price, bid: price - 0.1, ask: price + 0.1}
}

// SetPrice moves a listed symbol's mark and re-centers the book.
func (s *State) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sym, ok := s.symbols[symbol]; ok {
		sym.price = price
		sym.bid = price - 0.1
		sym.ask = price + 0.1
	}
}

// SetBook pins the top of book explicitly.
func (s *State) SetBook(symbol string, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sym, ok := s.symbols[symbol]; ok {
		sym.bid = bid
		sym.ask = ask
	}
}

// ScriptFills queues a fill plan for the account's next limit order:
// cumulative fractions of the order quantity applied on successive order
// queries. An order placed with no queued plan fills fully on first query.
func (s *State) ScriptFills(apiKey string, fractions ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[apiKey]; ok {
		a.fillPlans = append(a.fillPlans, fractions)
	}
}

// FailNext queues n copies of a fault for a request path. Each matching
// request consumes one before touching venue state.
func (s *State) FailNext(path string, n int, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures[path] = append(s.failures[path], f)
	}
}

// SetClockSkew shifts the venue clock relative to the host. Signed requests
// stamped from an unsynchronized client then bounce with -1021 until the
// client resynchronizes.
func (s *State) SetClockSkew(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skew = d
}

// PositionAmount returns the signed position an account holds.
func (s *State) PositionAmount(apiKey, symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[apiKey]; ok {
		if p, ok := a.positions[symbol]; ok {
			return p.amount
		}
	}
	return 0
}

// Leverage returns the leverage an account set on a symbol, zero when unset.
func (s *State) Leverage(apiKey, symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[apiKey]; ok {
		return a.leverage[symbol]
	}
	return 0
}

// Orders returns the account's orders in placement order.
func (s *State) Orders(apiKey string) []OrderSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[apiKey]
	if !ok {
		return nil
	}
	out := make([]OrderSnapshot, 0, len(a.orderIDs))
	for _, id := range a.orderIDs {
		out = append(out, a.orders[id].snapshot())
	}
	return out
}

// ServerTime returns the venue clock, skew included.
func (s *State) ServerTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Add(s.skew)
}

// serverNow is ServerTime for callers already holding the mutex.
func (s *State) serverNow() time.Time {
	return time.Now().Add(s.skew)
}

// takeFailure pops one queued fault for the path.
func (s *State) takeFailure(path string) (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.failures[path]
	if len(queue) == 0 {
		return Fault{}, false
	}
	f := queue[0]
	s.failures[path] = queue[1:]
	return f, true
}

// applyFill moves position, entry price, realized PnL, and commission for one
// execution. Caller holds the mutex.
func (a *accountState) applyFill(symbol, side, orderType string, qty, price float64, now time.Time) {
	p, ok := a.positions[symbol]
	if !ok {
		p = &position{}
		a.positions[symbol] = p
	}

	signed := qty
	if side == "SELL" {
		signed = -qty
	}

	switch {
	case p.amount == 0 || sameSign(p.amount, signed):
		total := math.Abs(p.amount) + qty
		p.entry = (p.entry*math.Abs(p.amount) + price*qty) / total
		p.amount += signed
	default:
		closed := math.Min(math.Abs(p.amount), qty)
		direction := 1.0
		if p.amount < 0 {
			direction = -1
		}
		pnl := (price - p.entry) * closed * direction
		a.balances["USDT"] += pnl
		a.income = append(a.income, incomeRow{
			Symbol: symbol, Type: "REALIZED_PNL", Amount: pnl, Asset: "USDT", Time: now,
		})
		p.amount += signed
		if math.Abs(p.amount) < dust {
			p.amount = 0
			p.entry = 0
		} else if !sameSign(p.amount, -signed) {
			// Crossed through zero; the leftover opens at the fill price.
			p.entry = price
		}
	}

	rate := takerCommission
	if orderType == "LIMIT" {
		rate = makerCommission
	}
	fee := price * qty * rate
	a.balances["USDT"] -= fee
	a.income = append(a.income, incomeRow{
		Symbol: symbol, Type: "COMMISSION", Amount: -fee, Asset: "USDT", Time: now,
	})
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
