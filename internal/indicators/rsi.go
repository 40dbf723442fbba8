package indicators

import (
	"github.com/cinar/indicator/v2/momentum"
)

// CalculateRSI returns the latest RSI value.
func CalculateRSI(prices []float64, period int) float64 {
	if period < 1 || period >= len(prices) {
		return 50
	}
	rsiIndicator := momentum.NewRsiWithPeriod[float64](period)
	return lastOf(rsiIndicator.Compute(sliceToChan(prices)))
}
