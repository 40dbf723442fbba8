package indicators

import (
	"github.com/cinar/indicator/v2/trend"
)

// CalculateEMA returns the latest EMA value and the trend of price
// relative to it ("bullish", "bearish", "neutral").
func CalculateEMA(prices []float64, period int) (float64, string) {
	if period < 1 || period > len(prices) {
		return 0, "neutral"
	}

	emaIndicator := trend.NewEmaWithPeriod[float64](period)
	ema := lastOf(emaIndicator.Compute(sliceToChan(prices)))

	currentPrice := prices[len(prices)-1]
	emaTrend := "neutral"
	if currentPrice > ema {
		emaTrend = "bullish"
	} else if currentPrice < ema {
		emaTrend = "bearish"
	}
	return ema, emaTrend
}
