package hedger

import (
	"fmt"
	"math"

	"github.com/pairhedge/pairhedge/binance"
)

// SizingPolicy holds the quantity knobs for one cycle's target draw.
type SizingPolicy struct {
	// BaseQuantity, when positive, sizes the cycle as base times a multiplier
	// drawn from [MultMin, MultMax]. Zero switches to the uniform range draw.
	BaseQuantity float64
	MultMin      float64
	MultMax      float64
	// MinQuantity is both the lower draw bound per helper and the floor each
	// helper share must meet.
	MinQuantity float64
	MaxQuantity float64
	// MaxPositionValue caps target·referencePrice. Zero disables the cap.
	MaxPositionValue float64
}

// drawTarget picks the cycle's target quantity: from the base·multiplier path
// when a base is configured, otherwise uniformly from [helpers·min, max] so
// that every helper share can still meet the per-helper floor. The result is
// clamped to the notional ceiling and floored to the lot step.
func drawTarget(r Rand, p SizingPolicy, helpers int, refPrice float64, c binance.Constraints) (float64, error) {
	if helpers < 1 {
		return 0, fmt.Errorf("at least one helper required, got %d", helpers)
	}

	var target float64
	if p.BaseQuantity > 0 {
		target = p.BaseQuantity * uniformFloat(r, p.MultMin, p.MultMax)
	} else {
		lo := p.MinQuantity * float64(helpers)
		if p.MaxQuantity < lo {
			return 0, fmt.Errorf("max quantity %v cannot cover %d helpers at floor %v", p.MaxQuantity, helpers, p.MinQuantity)
		}
		target = uniformFloat(r, lo, p.MaxQuantity)
	}

	if p.MaxPositionValue > 0 && refPrice > 0 && target*refPrice > p.MaxPositionValue {
		target = p.MaxPositionValue / refPrice
	}

	target = c.FloorQuantity(target)
	if target <= 0 {
		return 0, fmt.Errorf("target floors to zero on the lot grid (price %v)", refPrice)
	}
	floorAll := c.FloorQuantity(p.MinQuantity) * float64(helpers)
	if target < floorAll {
		return 0, fmt.Errorf("target %v below the combined helper floor %v after clamping", target, floorAll)
	}
	return target, nil
}

// splitTarget splits target across n helper shares using random weights drawn
// from [0.2, 0.8] and normalized. Shares are computed in whole lot steps:
// per-helper floors are enforced with proportional redistribution of the
// excess, and the leftover steps go to the largest share, so the shares sum
// to the target exactly on the venue grid and each share meets minQty.
func splitTarget(r Rand, target float64, n int, minQty float64, c binance.Constraints) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("at least one share required, got %d", n)
	}

	total := c.QuantitySteps(target)
	floor := c.QuantitySteps(c.FloorQuantity(minQty))
	if floor < 1 {
		floor = 1
	}
	if total < int64(n)*floor {
		return nil, fmt.Errorf("target %v cannot cover %d shares at floor %v", target, n, minQty)
	}
	if n == 1 {
		return []float64{c.StepsToQuantity(total)}, nil
	}

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = uniformFloat(r, 0.2, 0.8)
	}

	shares := make([]int64, n)
	fixed := make([]bool, n)
	for range n {
		var reserved int64
		var weightSum float64
		live := 0
		for i := range n {
			if fixed[i] {
				reserved += floor
			} else {
				weightSum += weights[i]
				live++
			}
		}
		avail := total - reserved
		clamped := false
		for i := range n {
			if fixed[i] {
				shares[i] = floor
				continue
			}
			// A lone unfixed share takes the whole remainder; the weighted
			// division is for carving avail between two or more.
			s := avail
			if live > 1 {
				s = int64(math.Floor(float64(avail) * weights[i] / weightSum))
			}
			if s < floor {
				fixed[i] = true
				clamped = true
			}
			shares[i] = s
		}
		if !clamped {
			break
		}
	}

	var sum int64
	largest := 0
	for i, s := range shares {
		sum += s
		if s > shares[largest] {
			largest = i
		}
	}
	shares[largest] += total - sum

	out := make([]float64, n)
	for i, s := range shares {
		out[i] = c.StepsToQuantity(s)
	}
	return out, nil
}
