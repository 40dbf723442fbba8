package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphaarena/engine/internal/exchange"
)

func steadyKlines(n int, spread float64) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	for i := range klines {
		klines[i] = exchange.Kline{Open: 100, High: 100 + spread, Low: 100, Close: 100}
	}
	return klines
}

func tightTicker() *exchange.Ticker {
	return &exchange.Ticker{Symbol: "BTCUSDT", Bid: 99.99, Ask: 100.01}
}

func TestCandleSpreadBreaker(t *testing.T) {
	b := NewBreakers(riskConfig())

	klines := steadyKlines(30, 1.0)
	tripped := b.Observe("BTCUSDT", klines, tightTicker(), nil)
	assert.Empty(t, tripped)

	// Last candle range 1.5 > 1.2 * median(1.0).
	klines[len(klines)-1].High = 101.5
	tripped = b.Observe("BTCUSDT", klines, tightTicker(), nil)
	require.Contains(t, tripped, BreakCandleSpread)

	allowed, reason := b.EntryAllowed("BTCUSDT")
	assert.False(t, allowed)
	assert.Contains(t, reason, BreakCandleSpread)

	// Other symbols are unaffected.
	allowed, _ = b.EntryAllowed("ETHUSDT")
	assert.True(t, allowed)
}

func TestBreakerPauseExpires(t *testing.T) {
	b := NewBreakers(riskConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	klines := steadyKlines(30, 1.0)
	klines[len(klines)-1].High = 105
	b.Observe("BTCUSDT", klines, tightTicker(), nil)

	allowed, _ := b.EntryAllowed("BTCUSDT")
	require.False(t, allowed)

	now = now.Add(9 * time.Minute)
	allowed, _ = b.EntryAllowed("BTCUSDT")
	assert.False(t, allowed, "still inside the pause window")

	now = now.Add(2 * time.Minute)
	allowed, _ = b.EntryAllowed("BTCUSDT")
	assert.True(t, allowed)
}

func TestFundingSpikeBreaker(t *testing.T) {
	b := NewBreakers(riskConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	klines := steadyKlines(30, 1.0)

	// First observation just seeds the baseline.
	tripped := b.Observe("BTCUSDT", klines, tightTicker(), &exchange.PremiumIndex{FundingRate: 0.0001})
	assert.Empty(t, tripped)

	// +0.15pp over one hour exceeds the 0.1pp/hour budget.
	now = now.Add(time.Hour)
	tripped = b.Observe("BTCUSDT", klines, tightTicker(), &exchange.PremiumIndex{FundingRate: 0.0016})
	assert.Contains(t, tripped, BreakFundingSpike)
}

func TestFundingDriftWithinBudget(t *testing.T) {
	b := NewBreakers(riskConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	klines := steadyKlines(30, 1.0)
	b.Observe("BTCUSDT", klines, tightTicker(), &exchange.PremiumIndex{FundingRate: 0.0001})

	now = now.Add(time.Hour)
	tripped := b.Observe("BTCUSDT", klines, tightTicker(), &exchange.PremiumIndex{FundingRate: 0.0006})
	assert.Empty(t, tripped, "0.05pp/hour is inside the budget")
}

func TestQuoteSpreadBreaker(t *testing.T) {
	b := NewBreakers(riskConfig())
	klines := steadyKlines(30, 1.0)

	wide := &exchange.Ticker{Symbol: "BTCUSDT", Bid: 99.8, Ask: 100.2} // 0.4% of mid
	tripped := b.Observe("BTCUSDT", klines, wide, nil)
	assert.Contains(t, tripped, BreakQuoteSpread)
}

func TestObserveWithShortHistory(t *testing.T) {
	b := NewBreakers(riskConfig())
	tripped := b.Observe("BTCUSDT", steadyKlines(5, 1.0), tightTicker(), nil)
	assert.Empty(t, tripped, "not enough candles for the median window")
}
