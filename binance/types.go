// Package binance implements the signed REST layer and the typed gateway for
// Binance-style USDT-margined futures endpoints. One Client and one Gateway
// exist per account; they are never shared across accounts.
package binance

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Account is the static identity of one exchange account. The clock offset
// for the account lives on the Client that owns it, not here.
type Account struct {
	Label     string
	APIKey    string
	APISecret string
	// ProxyURL routes this account's traffic through an HTTP(S) proxy when
	// set. Accounts on distinct egress IPs are a common venue requirement.
	ProxyURL string
}

func (a Account) String() string { return a.Label }

// Side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType restricted to what the engine places.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderStatus as reported by the exchange.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the exchange will never mutate the order again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Order is a point-in-time snapshot of an exchange order. Only the exchange
// mutates the underlying state; the engine observes it through polling.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Quantity      float64
	Price         float64
	AvgPrice      float64
	Executed      float64
	ReduceOnly    bool
	PositionSide  string
	UpdateTime    time.Time
}

// Remaining is the unfilled part of the order.
func (o Order) Remaining() float64 { return o.Quantity - o.Executed }

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // required for LIMIT
	ReduceOnly    bool
	ClientOrderID string
}

// Position is a read-only snapshot; always re-queried, never cached across
// cycles.
type Position struct {
	Symbol        string
	Amount        float64 // signed: positive long, negative short
	EntryPrice    float64
	UnrealizedPnL float64
	Leverage      int
}

// Flat reports whether the position is zero within exchange dust.
func (p Position) Flat() bool { return p.Amount > -1e-12 && p.Amount < 1e-12 }

// Balance is one asset row of the account balance snapshot.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// Income is one account income record (realized PnL, commission, funding).
type Income struct {
	Symbol string
	Type   string
	Amount float64
	Asset  string
	Time   time.Time
}

// Level is one price level of the order book.
type Level struct {
	Price    float64
	Quantity float64
}

// Book holds a depth snapshot, best levels first.
type Book struct {
	Bids []Level
	Asks []Level
}

// CloseResult reports how ClosePosition ended. AlreadyFlat covers both the
// no-position case and the reduce-only rejection the exchange sends when the
// position vanished between the read and the order.
type CloseResult struct {
	AlreadyFlat bool
	Closed      float64
	Order       Order
}

// apiFloat absorbs the exchange's habit of quoting numbers as strings.
type apiFloat float64

func (f *apiFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parsing %q as number: %w", s, err)
	}
	*f = apiFloat(v)
	return nil
}

// apiInt tolerates integers quoted as strings (leverage comes back both ways).
type apiInt int64

func (i *apiInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing %q as integer: %w", s, err)
	}
	*i = apiInt(v)
	return nil
}
