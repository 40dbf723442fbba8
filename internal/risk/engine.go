package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/regime"
)

// KillSwitch identifies which halt condition tripped. The checks run
// in a fixed order; the first trip wins.
type KillSwitch string

const (
	KillDailyLoss         KillSwitch = "DAILY_LOSS"
	KillDrawdown          KillSwitch = "DRAWDOWN"
	KillConsecutiveLosses KillSwitch = "CONSECUTIVE_LOSSES"
	KillLatency           KillSwitch = "LATENCY"
)

// SizeRequest is the input to position sizing.
type SizeRequest struct {
	Symbol        string
	Direction     exchange.Side
	Equity        float64
	Price         float64
	Regime        regime.Assessment
	Filters       *exchange.SymbolFilters
	OpenPositions []exchange.Position
	// ReturnsBySymbol feeds the cross-position correlation check:
	// recent close-to-close returns per symbol, same length windows.
	ReturnsBySymbol map[string][]float64
}

// SizePlan is the sizing output handed to the order manager.
type SizePlan struct {
	Margin     float64 `json:"margin"`
	Leverage   int     `json:"leverage"`
	Quantity   float64 `json:"quantity"`
	Notional   float64 `json:"notional"`
	Correlated bool    `json:"correlated"` // size halved for correlation
}

// Engine computes position sizes, governs leverage and watches the
// kill-switches.
type Engine struct {
	cfg    config.RiskConfig
	daily  *DailyTracker
	logger zerolog.Logger

	mu                 sync.Mutex
	consecutiveLosses  int
	haltedBy           KillSwitch
	haltedDay          string
	halted             bool
}

// NewEngine creates a risk engine.
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{
		cfg:    cfg,
		daily:  NewDailyTracker(),
		logger: config.NewLogger("risk"),
	}
}

// Daily exposes the daily loss tracker.
func (e *Engine) Daily() *DailyTracker { return e.daily }

// RecordOutcome feeds a closed trade's realized PnL into the daily
// tracker and the consecutive-loss counter. Breakeven resets nothing.
func (e *Engine) RecordOutcome(pnl float64) {
	e.daily.Add(pnl)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case pnl < 0:
		e.consecutiveLosses++
	case pnl > 0:
		e.consecutiveLosses = 0
	}
}

// ConsecutiveLosses returns the current loss streak.
func (e *Engine) ConsecutiveLosses() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveLosses
}

// Leverage applies the governor: base leverage, raised one step in a
// HIGH regime, floored at 1 in LOW, then reduced by one for every two
// consecutive losses.
func (e *Engine) Leverage(r regime.Regime) int {
	lev := e.cfg.BaseLeverage
	switch r {
	case regime.High:
		lev = e.cfg.BaseLeverage + 1
	case regime.Low:
		lev = 1
	}
	if e.cfg.MaxLeverage > 0 && lev > e.cfg.MaxLeverage {
		lev = e.cfg.MaxLeverage
	}

	e.mu.Lock()
	losses := e.consecutiveLosses
	e.mu.Unlock()
	lev -= losses / 2
	if lev < 1 {
		lev = 1
	}
	return lev
}

// Size computes the margin, leverage and quantity for a new entry.
// Margin is equity * risk_fraction clamped to the per-trade band, then
// scaled by the regime multiplier and halved when the entry correlates
// with an existing same-direction position.
func (e *Engine) Size(req SizeRequest) (*SizePlan, error) {
	if req.Equity <= 0 {
		return nil, fmt.Errorf("non-positive equity %.2f", req.Equity)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("non-positive price %.6f", req.Price)
	}

	fraction := e.cfg.RiskFraction
	if fraction > e.cfg.RiskFractionCeiling {
		fraction = e.cfg.RiskFractionCeiling
	}

	margin := req.Equity * fraction
	if margin < e.cfg.MinMarginPerTrade {
		margin = e.cfg.MinMarginPerTrade
	}
	if margin > e.cfg.MaxMarginPerTrade {
		margin = e.cfg.MaxMarginPerTrade
	}

	margin *= req.Regime.SizeMultiplier

	correlated := e.correlatedExposure(req)
	if correlated {
		margin *= e.cfg.CorrelationSizeScale
	}

	leverage := e.Leverage(req.Regime.Regime)
	notional := margin * float64(leverage)
	qty := notional / req.Price
	if req.Filters != nil {
		qty = exchange.RoundStep(qty, req.Filters.StepSize)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("sized quantity rounds to zero for %s", req.Symbol)
	}

	plan := &SizePlan{
		Margin:     margin,
		Leverage:   leverage,
		Quantity:   qty,
		Notional:   qty * req.Price,
		Correlated: correlated,
	}

	e.logger.Debug().
		Str("symbol", req.Symbol).
		Float64("margin", plan.Margin).
		Int("leverage", plan.Leverage).
		Float64("quantity", plan.Quantity).
		Bool("correlated", correlated).
		Msg("Position sized")

	return plan, nil
}

// correlatedExposure reports whether any open same-direction position
// moves with the candidate symbol above the correlation threshold.
func (e *Engine) correlatedExposure(req SizeRequest) bool {
	base, ok := req.ReturnsBySymbol[req.Symbol]
	if !ok || len(base) < 2 {
		return false
	}
	for _, pos := range req.OpenPositions {
		if pos.Symbol == req.Symbol || pos.Side != req.Direction {
			continue
		}
		other, ok := req.ReturnsBySymbol[pos.Symbol]
		if !ok {
			continue
		}
		// Strong anti-correlation is the same concentration risk:
		// the pair moves as one trade either way.
		if corr := pearson(base, other); math.Abs(corr) > e.cfg.CorrelationThreshold {
			e.logger.Info().
				Str("symbol", req.Symbol).
				Str("against", pos.Symbol).
				Float64("correlation", corr).
				Msg("Correlated same-direction exposure, halving size")
			return true
		}
	}
	return false
}

// CheckKillSwitches evaluates the halt conditions in order: daily
// loss, drawdown from peak, consecutive losses, venue latency. Once
// tripped the engine stays halted until Reset, except a daily-loss
// halt, which clears when the UTC day rolls over.
func (e *Engine) CheckKillSwitches(equity, peak float64, avgLatency time.Duration, latencySamples int) (KillSwitch, bool) {
	e.daily.Anchor(equity)

	e.mu.Lock()
	if e.halted {
		if e.haltedBy == KillDailyLoss && e.daily.Day() != e.haltedDay {
			e.halted = false
			e.haltedBy = ""
			e.logger.Info().Msg("Daily-loss halt cleared on UTC day rollover")
		} else {
			ks := e.haltedBy
			e.mu.Unlock()
			return ks, true
		}
	}
	losses := e.consecutiveLosses
	e.mu.Unlock()

	if start := e.daily.StartEquity(); e.cfg.MaxDailyLossPct > 0 && start > 0 &&
		e.daily.Loss() >= e.cfg.MaxDailyLossPct*start {
		return e.trip(KillDailyLoss)
	}
	if peak > 0 && e.cfg.MaxDrawdown > 0 {
		drawdown := (peak - equity) / peak
		if drawdown >= e.cfg.MaxDrawdown {
			return e.trip(KillDrawdown)
		}
	}
	if e.cfg.MaxConsecutiveLosses > 0 && losses >= e.cfg.MaxConsecutiveLosses {
		return e.trip(KillConsecutiveLosses)
	}
	if e.cfg.MaxAvgLatency > 0 && latencySamples >= e.cfg.LatencyWindow && avgLatency > e.cfg.MaxAvgLatency {
		return e.trip(KillLatency)
	}
	return "", false
}

func (e *Engine) trip(ks KillSwitch) (KillSwitch, bool) {
	e.mu.Lock()
	e.halted = true
	e.haltedBy = ks
	e.haltedDay = e.daily.Day()
	e.mu.Unlock()
	e.logger.Error().
		Str("kill_switch", string(ks)).
		Msg("Kill-switch tripped, entries halted")
	return ks, true
}

// Halted reports the standing halt state.
func (e *Engine) Halted() (KillSwitch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haltedBy, e.halted
}

// Reset clears a standing halt (operator action).
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = false
	e.haltedBy = ""
	e.haltedDay = ""
	e.consecutiveLosses = 0
}

// pearson computes the correlation coefficient over the overlapping
// tail of two return series.
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
