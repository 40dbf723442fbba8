package indicators

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/alphaarena/engine/internal/exchange"
)

// Indicator periods used by the decision pipeline.
const (
	ATRFastPeriod = 7
	ATRSlowPeriod = 21
	EMAPeriod     = 20
	RSIPeriod     = 14
	MACDFast      = 12
	MACDSlow      = 26
	MACDSignal    = 9
	BollPeriod    = 20

	// minKlines is the smallest candle history that lets every
	// indicator warm up (MACD signal line is the longest chain).
	minKlines = MACDSlow + MACDSignal + 5
)

// Snapshot holds one symbol's indicator state for a single cycle.
type Snapshot struct {
	LastClose  float64 `json:"last_close"`
	ATRFast    float64 `json:"atr_fast"`
	ATRSlow    float64 `json:"atr_slow"`
	ATRPercent float64 `json:"atr_percent"` // ATRFast / LastClose
	EMA        float64 `json:"ema"`
	EMATrend   string  `json:"ema_trend"` // "bullish", "bearish", "neutral"
	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSig    float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	BollUpper  float64 `json:"boll_upper"`
	BollMiddle float64 `json:"boll_middle"`
	BollLower  float64 `json:"boll_lower"`
}

// VolatilityRatio is ATRFast / ATRSlow; the regime classifier's input.
func (s *Snapshot) VolatilityRatio() float64 {
	if s.ATRSlow == 0 {
		return 0
	}
	return s.ATRFast / s.ATRSlow
}

// Service computes indicator snapshots from candle history.
type Service struct{}

// NewService creates a new indicator service
func NewService() *Service {
	log.Info().Msg("Indicator service initialized")
	return &Service{}
}

// Compute builds a full indicator snapshot from candles, oldest first.
func (s *Service) Compute(klines []exchange.Kline) (*Snapshot, error) {
	if len(klines) < minKlines {
		return nil, fmt.Errorf("insufficient candles: have %d, need %d", len(klines), minKlines)
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	lastClose := closes[len(closes)-1]
	if lastClose <= 0 {
		return nil, fmt.Errorf("invalid last close %f", lastClose)
	}

	atrFast, err := CalculateATR(klines, ATRFastPeriod)
	if err != nil {
		return nil, err
	}
	atrSlow, err := CalculateATR(klines, ATRSlowPeriod)
	if err != nil {
		return nil, err
	}

	ema, emaTrend := CalculateEMA(closes, EMAPeriod)
	rsi := CalculateRSI(closes, RSIPeriod)
	macd, macdSig, macdHist := CalculateMACD(closes, MACDFast, MACDSlow, MACDSignal)
	upper, middle, lower := CalculateBollinger(closes, BollPeriod)

	snap := &Snapshot{
		LastClose:  lastClose,
		ATRFast:    atrFast,
		ATRSlow:    atrSlow,
		ATRPercent: atrFast / lastClose,
		EMA:        ema,
		EMATrend:   emaTrend,
		RSI:        rsi,
		MACD:       macd,
		MACDSig:    macdSig,
		MACDHist:   macdHist,
		BollUpper:  upper,
		BollMiddle: middle,
		BollLower:  lower,
	}

	log.Debug().
		Float64("atr_fast", atrFast).
		Float64("atr_slow", atrSlow).
		Float64("vr", snap.VolatilityRatio()).
		Float64("ema", ema).
		Float64("rsi", rsi).
		Msg("Indicator snapshot computed")

	return snap, nil
}

// sliceToChan feeds a slice into a closed channel for the cinar API.
func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

// lastOf drains a channel and returns the final value.
func lastOf(ch <-chan float64) float64 {
	var last float64
	for v := range ch {
		last = v
	}
	return last
}
