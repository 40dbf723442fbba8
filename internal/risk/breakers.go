package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/exchange"
)

// Breaker trip reasons.
const (
	BreakCandleSpread = "CANDLE_SPREAD"
	BreakFundingSpike = "FUNDING_SPIKE"
	BreakQuoteSpread  = "QUOTE_SPREAD"
)

type breakerState struct {
	pausedUntil   time.Time
	pauseReason   string
	lastFunding   float64
	lastFundingAt time.Time
	hasFunding    bool
}

// Breakers watches per-symbol market anomalies and pauses NEW ENTRIES
// for a cool-off window when one trips. Exits are never touched.
type Breakers struct {
	cfg    config.RiskConfig
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state map[string]*breakerState
}

// NewBreakers creates the market circuit breakers.
func NewBreakers(cfg config.RiskConfig) *Breakers {
	return &Breakers{
		cfg:    cfg,
		logger: config.NewLogger("breakers"),
		now:    time.Now,
		state:  make(map[string]*breakerState),
	}
}

// Observe feeds one cycle's market view for a symbol and returns the
// reasons of any breakers tripped this observation.
func (b *Breakers) Observe(symbol string, klines []exchange.Kline, ticker *exchange.Ticker, premium *exchange.PremiumIndex) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[symbol]
	if !ok {
		st = &breakerState{}
		b.state[symbol] = st
	}

	var tripped []string

	if reason := b.checkCandleSpread(klines); reason != "" {
		tripped = append(tripped, reason)
	}
	if reason := b.checkFunding(st, premium); reason != "" {
		tripped = append(tripped, reason)
	}
	if reason := b.checkQuoteSpread(ticker); reason != "" {
		tripped = append(tripped, reason)
	}

	if premium != nil {
		st.lastFunding = premium.FundingRate
		st.lastFundingAt = b.now()
		st.hasFunding = true
	}

	if len(tripped) > 0 {
		st.pausedUntil = b.now().Add(b.cfg.BreakerPause)
		st.pauseReason = tripped[0]
		b.logger.Warn().
			Str("symbol", symbol).
			Strs("reasons", tripped).
			Time("paused_until", st.pausedUntil).
			Msg("Market breaker tripped, entries paused")
	}
	return tripped
}

// checkCandleSpread trips when the latest candle's range exceeds the
// configured multiple of the rolling median range.
func (b *Breakers) checkCandleSpread(klines []exchange.Kline) string {
	window := b.cfg.CandleMedianWindow
	if window <= 0 || len(klines) < window+1 {
		return ""
	}

	last := klines[len(klines)-1]
	lastSpread := last.High - last.Low

	spreads := make([]float64, 0, window)
	for _, k := range klines[len(klines)-1-window : len(klines)-1] {
		spreads = append(spreads, k.High-k.Low)
	}
	sort.Float64s(spreads)
	median := spreads[window/2]
	if window%2 == 0 {
		median = (spreads[window/2-1] + spreads[window/2]) / 2
	}

	if median > 0 && lastSpread > b.cfg.CandleSpreadFactor*median {
		return BreakCandleSpread
	}
	return ""
}

// checkFunding trips when the funding rate moves faster than the
// configured per-hour budget.
func (b *Breakers) checkFunding(st *breakerState, premium *exchange.PremiumIndex) string {
	if premium == nil || !st.hasFunding {
		return ""
	}
	elapsed := b.now().Sub(st.lastFundingAt).Hours()
	if elapsed <= 0 {
		return ""
	}
	delta := premium.FundingRate - st.lastFunding
	if delta < 0 {
		delta = -delta
	}
	if delta/elapsed > b.cfg.FundingDeltaMax {
		return BreakFundingSpike
	}
	return ""
}

// checkQuoteSpread trips when the top-of-book spread blows out.
func (b *Breakers) checkQuoteSpread(ticker *exchange.Ticker) string {
	if ticker == nil {
		return ""
	}
	mid := ticker.Mid()
	if mid <= 0 {
		return ""
	}
	if (ticker.Ask-ticker.Bid)/mid > b.cfg.QuoteSpreadMax {
		return BreakQuoteSpread
	}
	return ""
}

// EntryAllowed reports whether new entries are currently permitted for
// the symbol, with the blocking reason when not.
func (b *Breakers) EntryAllowed(symbol string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[symbol]
	if !ok || b.now().After(st.pausedUntil) {
		return true, ""
	}
	return false, fmt.Sprintf("%s paused until %s", st.pauseReason, st.pausedUntil.UTC().Format(time.RFC3339))
}
