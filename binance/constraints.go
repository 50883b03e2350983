package binance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Constraints captures an instrument's order grid: the lot step quantities
// must sit on and the tick prices must sit on. Futures symbols publish these
// in exchangeInfo; pairhedge takes them from configuration so a cycle never
// depends on a metadata fetch.
type Constraints struct {
	qtyStep     decimal.Decimal
	priceTick   decimal.Decimal
	qtyPlaces   int32
	pricePlaces int32
}

// NewConstraints builds Constraints from the lot step and price tick, e.g.
// 0.001 and 0.1 for BTCUSDT.
func NewConstraints(qtyStep, priceTick float64) (Constraints, error) {
	if qtyStep <= 0 {
		return Constraints{}, fmt.Errorf("quantity step must be positive, got %v", qtyStep)
	}
	if priceTick <= 0 {
		return Constraints{}, fmt.Errorf("price tick must be positive, got %v", priceTick)
	}
	qs := decimal.NewFromFloat(qtyStep)
	pt := decimal.NewFromFloat(priceTick)
	return Constraints{
		qtyStep:     qs,
		priceTick:   pt,
		qtyPlaces:   decimalPlaces(qs),
		pricePlaces: decimalPlaces(pt),
	}, nil
}

func decimalPlaces(d decimal.Decimal) int32 {
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

// QuantityStep returns the lot step as a float for sizing arithmetic.
func (c Constraints) QuantityStep() float64 { return c.qtyStep.InexactFloat64() }

// QuantitySteps converts a quantity into whole lot steps, rounding to the
// nearest step. Split arithmetic runs on step counts so share sums come out
// exact on the venue grid.
func (c Constraints) QuantitySteps(q float64) int64 {
	return decimal.NewFromFloat(q).Div(c.qtyStep).Round(0).IntPart()
}

// StepsToQuantity converts a count of lot steps back into a quantity.
func (c Constraints) StepsToQuantity(n int64) float64 {
	return decimal.NewFromInt(n).Mul(c.qtyStep).InexactFloat64()
}

// FloorQuantity snaps a quantity down to the lot grid. Orders sized below one
// step floor to zero; callers treat that as dust and skip the order.
func (c Constraints) FloorQuantity(q float64) float64 {
	if q <= 0 {
		return 0
	}
	return c.floorQty(decimal.NewFromFloat(q)).InexactFloat64()
}

func (c Constraints) floorQty(d decimal.Decimal) decimal.Decimal {
	return d.Div(c.qtyStep).Floor().Mul(c.qtyStep)
}

// FormatQuantity renders the wire form of a quantity, floored to the grid and
// printed with the step's decimal places.
func (c Constraints) FormatQuantity(q float64) string {
	d := decimal.NewFromFloat(q)
	if d.Sign() < 0 {
		d = decimal.Zero
	}
	return c.floorQty(d).StringFixed(c.qtyPlaces)
}

// RoundPrice snaps a price to the nearest tick.
func (c Constraints) RoundPrice(p float64) float64 {
	return decimal.NewFromFloat(p).Div(c.priceTick).Round(0).Mul(c.priceTick).InexactFloat64()
}

// FormatPrice renders the wire form of a price on the tick grid.
func (c Constraints) FormatPrice(p float64) string {
	return decimal.NewFromFloat(p).Div(c.priceTick).Round(0).Mul(c.priceTick).StringFixed(c.pricePlaces)
}

// depthLimits are the only limit values the depth endpoint accepts.
var depthLimits = [...]int{5, 10, 20, 50, 100, 500, 1000}

// SnapDepthLimit maps an arbitrary limit onto the supported set: the nearest
// allowed value, ties toward the smaller, and the smallest for non-positive
// input.
func SnapDepthLimit(limit int) int {
	if limit <= 0 {
		return depthLimits[0]
	}
	best := depthLimits[0]
	bestDist := limit - best
	if bestDist < 0 {
		bestDist = -bestDist
	}
	for _, allowed := range depthLimits[1:] {
		dist := limit - allowed
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best = allowed
			bestDist = dist
		}
	}
	return best
}
