package indicators

import (
	"fmt"
	"math"

	"github.com/alphaarena/engine/internal/exchange"
)

// CalculateATR returns the average true range over the last `period`
// candles: the simple mean of true ranges, which keeps the fast and
// slow windows directly comparable for the volatility ratio.
func CalculateATR(klines []exchange.Kline, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("invalid ATR period %d", period)
	}
	if len(klines) < period+1 {
		return 0, fmt.Errorf("insufficient candles for ATR(%d): have %d", period, len(klines))
	}

	// True ranges for the last `period` candles, each needing the
	// previous close.
	start := len(klines) - period
	var sum float64
	for i := start; i < len(klines); i++ {
		tr := trueRange(klines[i], klines[i-1].Close)
		sum += tr
	}
	return sum / float64(period), nil
}

func trueRange(k exchange.Kline, prevClose float64) float64 {
	hl := k.High - k.Low
	hc := math.Abs(k.High - prevClose)
	lc := math.Abs(k.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}
