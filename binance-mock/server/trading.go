package server

import (
	"fmt"
	"math"
	"sort"
	"time"
)

func autoClientID(id int64) string { return fmt.Sprintf("auto_%d", id) }

func faultInvalidSymbol() *Fault {
	return &Fault{Status: 400, Code: -1121, Msg: "Invalid symbol."}
}

func faultUnknownAccount() *Fault {
	return &Fault{Status: 401, Code: -2015, Msg: "Invalid API-key, IP, or permissions for action."}
}

type orderParams struct {
	symbol        string
	side          string
	orderType     string
	clientOrderID string
	quantity      float64
	price         float64
	reduceOnly    bool
}

type positionView struct {
	symbol        string
	amount        float64
	entryPrice    float64
	unrealizedPnL float64
	leverage      int
}

type balanceView struct {
	asset     string
	total     float64
	available float64
}

// credentials returns the secret for an API key.
func (s *State) credentials(apiKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[apiKey]
	if !ok {
		return "", false
	}
	return a.secret, true
}

// tickerPrice returns the symbol's mark price.
func (s *State) tickerPrice(symbol string) (float64, *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym, ok := s.symbols[symbol]
	if !ok {
		return 0, faultInvalidSymbol()
	}
	return sym.price, nil
}

// book returns the top of book; deeper levels step away one tick at a time.
func (s *State) book(symbol string, levels int) (bids, asks [][2]float64, fault *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym, ok := s.symbols[symbol]
	if !ok {
		return nil, nil, faultInvalidSymbol()
	}
	if levels < 1 {
		levels = 1
	}
	for i := 0; i < levels; i++ {
		step := float64(i) * 0.1
		bids = append(bids, [2]float64{sym.bid - step, 1.5})
		asks = append(asks, [2]float64{sym.ask + step, 1.5})
	}
	return bids, asks, nil
}

func (s *State) setLeverage(apiKey, symbol string, leverage int) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[apiKey]
	if !ok {
		return faultUnknownAccount()
	}
	if _, ok := s.symbols[symbol]; !ok {
		return faultInvalidSymbol()
	}
	a.leverage[symbol] = leverage
	return nil
}

// placeOrder runs one order through the venue. Market orders execute at the
// top of book immediately; limit orders rest and fill per the account's
// scripted plan on later queries.
func (s *State) placeOrder(apiKey string, req orderParams) (OrderSnapshot, *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[apiKey]
	if !ok {
		return OrderSnapshot{}, faultUnknownAccount()
	}
	sym, ok := s.symbols[req.symbol]
	if !ok {
		return OrderSnapshot{}, faultInvalidSymbol()
	}
	if req.quantity <= 0 {
		return OrderSnapshot{}, &Fault{Status: 400, Code: -1100, Msg: "Illegal characters found in parameter 'quantity'."}
	}

	now := s.serverNow()
	s.nextOrderID++
	o := &mockOrder{
		id:            s.nextOrderID,
		clientOrderID: req.clientOrderID,
		symbol:        req.symbol,
		side:          req.side,
		orderType:     req.orderType,
		status:        "NEW",
		quantity:      req.quantity,
		price:         req.price,
		reduceOnly:    req.reduceOnly,
		placedAt:      now,
		updatedAt:     now,
	}
	if o.clientOrderID == "" {
		o.clientOrderID = autoClientID(o.id)
	}

	switch req.orderType {
	case "MARKET":
		fillPrice := sym.ask
		if req.side == "SELL" {
			fillPrice = sym.bid
		}
		qty := req.quantity
		if req.reduceOnly {
			pos := a.positions[req.symbol]
			if pos == nil || pos.amount == 0 || reducesNothing(pos.amount, req.side) {
				return OrderSnapshot{}, &Fault{Status: 400, Code: -2022, Msg: "ReduceOnly Order is rejected."}
			}
			qty = math.Min(qty, math.Abs(pos.amount))
			o.quantity = qty
		}
		a.applyFill(req.symbol, req.side, req.orderType, qty, fillPrice, now)
		o.executed = qty
		o.avgPrice = fillPrice
		o.status = "FILLED"
	case "LIMIT":
		if req.price <= 0 {
			return OrderSnapshot{}, &Fault{Status: 400, Code: -1100, Msg: "Illegal characters found in parameter 'price'."}
		}
		if len(a.fillPlans) > 0 {
			o.plan = a.fillPlans[0]
			a.fillPlans = a.fillPlans[1:]
		}
	default:
		return OrderSnapshot{}, &Fault{Status: 400, Code: -1116, Msg: "Invalid orderType."}
	}

	a.orders[o.id] = o
	a.orderIDs = append(a.orderIDs, o.id)
	return o.snapshot(), nil
}

// queryOrder returns an order snapshot, advancing a resting limit order's
// fill plan by one step first.
func (s *State) queryOrder(apiKey, symbol string, orderID int64) (OrderSnapshot, *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[apiKey]
	if !ok {
		return OrderSnapshot{}, faultUnknownAccount()
	}
	o, ok := a.orders[orderID]
	if !ok || o.symbol != symbol {
		return OrderSnapshot{}, &Fault{Status: 400, Code: -2013, Msg: "Order does not exist."}
	}

	if o.orderType == "LIMIT" && !o.terminal() {
		s.advanceFill(a, o)
	}
	return o.snapshot(), nil
}

// advanceFill applies the order's next cumulative fill fraction. Caller holds
// the mutex.
func (s *State) advanceFill(a *accountState, o *mockOrder) {
	frac := 1.0
	if len(o.plan) > 0 {
		if o.planStep < len(o.plan) {
			frac = o.plan[o.planStep]
			o.planStep++
		} else {
			frac = o.plan[len(o.plan)-1]
		}
	}
	if frac > 1 {
		frac = 1
	}

	target := frac * o.quantity
	if target > o.executed+dust {
		now := s.serverNow()
		a.applyFill(o.symbol, o.side, o.orderType, target-o.executed, o.price, now)
		o.executed = target
		o.avgPrice = o.price
		o.updatedAt = now
	}
	o.refreshStatus()
}

// cancelOrder cancels a resting order; a terminal or unknown order bounces
// with -2011 the way the venue reports a cancel racing a fill.
func (s *State) cancelOrder(apiKey, symbol string, orderID int64) (OrderSnapshot, *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[apiKey]
	if !ok {
		return OrderSnapshot{}, faultUnknownAccount()
	}
	o, ok := a.orders[orderID]
	if !ok || o.symbol != symbol || o.terminal() {
		return OrderSnapshot{}, &Fault{Status: 400, Code: -2011, Msg: "Unknown order sent."}
	}
	o.status = "CANCELED"
	o.updatedAt = s.serverNow()
	return o.snapshot(), nil
}

func (s *State) cancelAllOrders(apiKey, symbol string) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[apiKey]
	if !ok {
		return faultUnknownAccount()
	}
	now := s.serverNow()
	for _, o := range a.orders {
		if o.symbol == symbol && !o.terminal() {
			o.status = "CANCELED"
			o.updatedAt = now
		}
	}
	return nil
}

func (s *State) openOrders(apiKey, symbol string) ([]OrderSnapshot, *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[apiKey]
	if !ok {
		return nil, faultUnknownAccount()
	}
	var out []OrderSnapshot
	for _, id := range a.orderIDs {
		o := a.orders[id]
		if o.symbol == symbol && !o.terminal() {
			out = append(out, o.snapshot())
		}
	}
	return out, nil
}

// positionRisk lists the account's positions, every symbol when the filter is
// empty. Unrealized PnL is marked against the symbol's current price.
func (s *State) positionRisk(apiKey, symbol string) ([]positionView, *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[apiKey]
	if !ok {
		return nil, faultUnknownAccount()
	}
	names := make([]string, 0, len(a.positions))
	for name := range a.positions {
		if symbol == "" || name == symbol {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]positionView, 0, len(names))
	for _, name := range names {
		p := a.positions[name]
		view := positionView{
			symbol:     name,
			amount:     p.amount,
			entryPrice: p.entry,
			leverage:   a.leverage[name],
		}
		if view.leverage == 0 {
			view.leverage = 20
		}
		if sym, ok := s.symbols[name]; ok {
			view.unrealizedPnL = (sym.price - p.entry) * p.amount
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *State) balanceRows(apiKey string) ([]balanceView, *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[apiKey]
	if !ok {
		return nil, faultUnknownAccount()
	}
	assets := make([]string, 0, len(a.balances))
	for asset := range a.balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	out := make([]balanceView, 0, len(assets))
	for _, asset := range assets {
		out = append(out, balanceView{asset: asset, total: a.balances[asset], available: a.balances[asset]})
	}
	return out, nil
}

func (s *State) incomeSince(apiKey, symbol string, since time.Time) ([]incomeRow, *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[apiKey]
	if !ok {
		return nil, faultUnknownAccount()
	}
	var out []incomeRow
	for _, row := range a.income {
		if symbol != "" && row.Symbol != symbol {
			continue
		}
		if row.Time.Before(since) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// reducesNothing reports whether a reduce-only order on this side would grow
// the position instead of shrinking it.
func reducesNothing(amount float64, side string) bool {
	if amount > 0 {
		return side == "BUY"
	}
	return side == "SELL"
}
