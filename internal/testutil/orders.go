// Package testutil provides shared builders for exchange fixtures.
package testutil

import (
	"github.com/pairhedge/pairhedge/binance"
)

type OrderOpt func(*binance.Order)

// Order builds a resting limit buy on BTCUSDT; options override fields.
func Order(opts ...OrderOpt) binance.Order {
	o := binance.Order{
		OrderID:       7,
		ClientOrderID: "ph-test",
		Symbol:        "BTCUSDT",
		Side:          binance.Buy,
		Type:          binance.Limit,
		Status:        binance.StatusNew,
		Quantity:      0.005,
		Price:         95000,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Modifiers
func WithStatus(status binance.OrderStatus) OrderOpt {
	return func(o *binance.Order) { o.Status = status }
}
func WithExecuted(qty float64) OrderOpt {
	return func(o *binance.Order) { o.Executed = qty }
}
func WithSide(side binance.Side) OrderOpt {
	return func(o *binance.Order) { o.Side = side }
}
func WithType(typ binance.OrderType) OrderOpt {
	return func(o *binance.Order) { o.Type = typ }
}
func WithQuantity(qty float64) OrderOpt {
	return func(o *binance.Order) { o.Quantity = qty }
}
func WithPrice(price float64) OrderOpt {
	return func(o *binance.Order) { o.Price = price }
}
func WithOrderID(id int64) OrderOpt {
	return func(o *binance.Order) { o.OrderID = id }
}
func WithClientOrderID(id string) OrderOpt {
	return func(o *binance.Order) { o.ClientOrderID = id }
}
