package exchange

import (
	"math"
	"strconv"
)

// RoundTick rounds a price down to the symbol's tick size.
func RoundTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	rounded := math.Floor(price/tickSize) * tickSize
	return trimFloat(rounded, tickSize)
}

// RoundStep rounds a quantity down to the symbol's lot step size.
func RoundStep(qty, stepSize float64) float64 {
	if stepSize <= 0 {
		return qty
	}
	rounded := math.Floor(qty/stepSize) * stepSize
	return trimFloat(rounded, stepSize)
}

// ApplySafetyOffset pushes a trigger price at least minTicks away from
// the current mark price, in the direction the trigger must sit.
// aboveMark is true for triggers that must stay above the mark (long
// take-profit, short stop-loss).
func ApplySafetyOffset(trigger, mark, tickSize float64, minTicks int, aboveMark bool) float64 {
	if tickSize <= 0 || minTicks <= 0 {
		return trigger
	}
	offset := float64(minTicks) * tickSize
	if aboveMark {
		floor := mark + offset
		if trigger < floor {
			return RoundTick(floor+tickSize, tickSize)
		}
	} else {
		ceil := mark - offset
		if trigger > ceil {
			return RoundTick(ceil, tickSize)
		}
	}
	return trigger
}

// MeetsMinimums reports whether a quantity is tradeable under the
// symbol filters at the given price.
func MeetsMinimums(qty, price float64, f *SymbolFilters) bool {
	if qty <= 0 {
		return false
	}
	if f == nil {
		return true
	}
	if f.MinQty > 0 && qty < f.MinQty {
		return false
	}
	if f.MinNotional > 0 && qty*price < f.MinNotional {
		return false
	}
	return true
}

// trimFloat strips float64 noise introduced by the division, keeping
// the precision implied by the filter increment.
func trimFloat(v, increment float64) float64 {
	decimals := 0
	for increment < 1 && decimals < 12 {
		increment *= 10
		decimals++
	}
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	out, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return v
	}
	return out
}

// FormatQty renders a quantity at the precision implied by the step size.
func FormatQty(qty, stepSize float64) string {
	decimals := 0
	for stepSize > 0 && stepSize < 1 && decimals < 12 {
		stepSize *= 10
		decimals++
	}
	return strconv.FormatFloat(qty, 'f', decimals, 64)
}

// FormatPrice renders a price at the precision implied by the tick size.
func FormatPrice(price, tickSize float64) string {
	decimals := 0
	for tickSize > 0 && tickSize < 1 && decimals < 12 {
		tickSize *= 10
		decimals++
	}
	return strconv.FormatFloat(price, 'f', decimals, 64)
}

// parseFilterFloat parses a venue filter string, tolerating empty values.
func parseFilterFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
