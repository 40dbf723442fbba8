package indicators

import (
	"github.com/cinar/indicator/v2/trend"
)

// CalculateMACD returns the latest MACD line, signal line and histogram.
func CalculateMACD(prices []float64, fast, slow, signal int) (float64, float64, float64) {
	if slow >= len(prices) {
		return 0, 0, 0
	}

	macdIndicator := trend.NewMacdWithPeriod[float64](fast, slow, signal)
	macdChan, signalChan := macdIndicator.Compute(sliceToChan(prices))

	var macd, sig float64
	for m := range macdChan {
		macd = m
		if s, ok := <-signalChan; ok {
			sig = s
		}
	}
	return macd, sig, macd - sig
}
