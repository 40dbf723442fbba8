package indicators

import (
	"github.com/cinar/indicator/v2/volatility"
)

// CalculateBollinger returns the latest upper, middle and lower bands.
// The band width is the library's fixed two standard deviations.
func CalculateBollinger(prices []float64, period int) (float64, float64, float64) {
	if period < 1 || period > len(prices) {
		return 0, 0, 0
	}

	bbIndicator := volatility.NewBollingerBandsWithPeriod[float64](period)
	lowerChan, middleChan, upperChan := bbIndicator.Compute(sliceToChan(prices))

	var upper, middle, lower float64
	for l := range lowerChan {
		lower = l
		if m, ok := <-middleChan; ok {
			middle = m
		}
		if u, ok := <-upperChan; ok {
			upper = u
		}
	}
	return upper, middle, lower
}
