package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alphaarena/engine/internal/decision"
	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/journal"
	"github.com/alphaarena/engine/internal/metrics"
	"github.com/alphaarena/engine/internal/order"
	"github.com/alphaarena/engine/internal/position"
	"github.com/alphaarena/engine/internal/regime"
	"github.com/alphaarena/engine/internal/risk"
)

// runCycle executes one full decision cycle. It runs on its own
// timeout, detached from the run loop's context, so a shutdown signal
// never abandons an entry halfway through its protective bracket.
func (e *Engine) runCycle() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Engine.CycleTimeout)
	defer cancel()

	e.cycle++
	logger := e.logger.With().Uint64("cycle", e.cycle).Logger()

	bal, err := e.deps.Gateway.Balance(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to fetch balance, skipping cycle")
		e.deps.Journal.LogError(journal.ErrorRow{
			Time:      e.now(),
			Component: "engine",
			Message:   fmt.Sprintf("balance fetch: %v", err),
		})
		return
	}

	equity := bal.Equity()
	if equity > e.peak {
		e.peak = equity
		e.persistPeak()
	}
	drawdown := 0.0
	if e.peak > 0 {
		drawdown = (e.peak - equity) / e.peak
	}

	realized := e.deps.Risk.Daily().Realized()
	e.deps.Journal.LogEquity(journal.EquityRow{
		Time:       e.now(),
		Realized:   realized,
		Unrealized: bal.UnrealizedPnL,
		Total:      equity,
		Peak:       e.peak,
		Drawdown:   drawdown,
	})

	metrics.Equity.Set(equity)
	metrics.PeakEquity.Set(e.peak)
	metrics.DailyRealizedPnL.Set(realized)
	metrics.OpenPositions.Set(float64(e.deps.Store.Count()))
	metrics.VenueLatency.Set(e.deps.Gateway.AvgLatency().Seconds())

	halted := e.checkKillSwitches(ctx, equity)

	returns := e.collectReturns(ctx)
	for _, symbol := range e.cfg.Engine.Symbols {
		if ctx.Err() != nil {
			break
		}
		e.processSymbol(ctx, symbol, equity, halted, returns)
	}

	e.reconcile(ctx, bal)

	if n := e.cfg.Engine.FlushEveryCycles; n > 0 && e.cycle%uint64(n) == 0 {
		e.deps.Journal.Flush()
	}

	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		metrics.CycleTimeouts.Inc()
		logger.Warn().Dur("elapsed", time.Since(start)).Msg("Cycle hit timeout")
	}
}

// checkKillSwitches evaluates the halt conditions and alerts once per
// trip. Entries stop; the monitor and sentinel keep managing exits.
func (e *Engine) checkKillSwitches(ctx context.Context, equity float64) bool {
	ks, halted := e.deps.Risk.CheckKillSwitches(
		equity, e.peak,
		e.deps.Gateway.AvgLatency(), e.deps.Gateway.LatencySamples(),
	)
	if !halted {
		metrics.KillSwitchActive.Set(0)
		e.haltAlerted = false
		return false
	}

	metrics.KillSwitchActive.Set(1)
	if !e.haltAlerted {
		e.haltAlerted = true
		e.deps.Alerts.Critical(ctx, "Kill-switch tripped",
			fmt.Sprintf("%s halted new entries; exits keep running", ks),
			map[string]any{
				"kill_switch": string(ks),
				"equity":      equity,
				"peak":        e.peak,
			})
	}
	return true
}

// collectReturns builds close-to-close return series for every traded
// symbol, feeding the correlation check in sizing.
func (e *Engine) collectReturns(ctx context.Context) map[string][]float64 {
	returns := make(map[string][]float64, len(e.cfg.Engine.Symbols))
	for _, symbol := range e.cfg.Engine.Symbols {
		snap, err := e.deps.Market.Snapshot(ctx, symbol)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("No snapshot for correlation window")
			continue
		}
		series := make([]float64, 0, len(snap.Klines))
		for i := 1; i < len(snap.Klines); i++ {
			prev := snap.Klines[i-1].Close
			if prev <= 0 {
				continue
			}
			series = append(series, snap.Klines[i].Close/prev-1)
		}
		returns[symbol] = series
	}
	return returns
}

// processSymbol runs the market -> votes -> verdict -> order pipeline
// for one symbol. Exits run regardless of the halt flag; only new
// entries respect it.
func (e *Engine) processSymbol(ctx context.Context, symbol string, equity float64, halted bool, returns map[string][]float64) {
	snap, err := e.deps.Market.Snapshot(ctx, symbol)
	if err != nil {
		e.logError(symbol, "market", err)
		return
	}

	indSnap, err := e.deps.Indicators.Compute(snap.Klines)
	if err != nil {
		e.logError(symbol, "indicators", err)
		return
	}

	assessment := e.deps.Classifier.Classify(symbol, indSnap)

	for _, reason := range e.deps.Breakers.Observe(symbol, snap.Klines, snap.Ticker, snap.Premium) {
		metrics.BreakerTrips.WithLabelValues(reason).Inc()
	}

	roster := e.deps.Registry.ForSymbol(symbol)
	if len(roster) == 0 {
		return
	}

	mctx := &decision.MarketContext{
		Symbol:      symbol,
		Snapshot:    indSnap,
		Regime:      assessment,
		FundingRate: snap.Premium.FundingRate,
		MidPrice:    snap.Ticker.Mid(),
	}

	votes := make([]*decision.Decision, 0, len(roster))
	for _, agent := range roster {
		d := e.deps.Pipeline.Decide(ctx, agent, mctx, e.cycle)
		votes = append(votes, d)
		metrics.Decisions.WithLabelValues(string(d.Signal)).Inc()
		e.deps.Journal.LogDecision(journal.DecisionRow{
			Time:        d.Time,
			Cycle:       e.cycle,
			AgentID:     d.AgentID,
			Symbol:      symbol,
			Signal:      string(d.Signal),
			Confidence:  d.Confidence,
			Cached:      d.Cached,
			Unavailable: d.Unavailable,
			Ref:         d.Ref,
			Rationale:   d.Rationale,
		})
	}

	verdict := e.deps.Arbiter.Arbitrate(symbol, votes, roster)

	if pos := e.deps.Store.Get(symbol); pos != nil && pos.State != position.StateClosed {
		e.manageOpen(ctx, pos, verdict.Signal)
		return
	}

	if verdict.Signal == decision.SignalHold {
		return
	}
	if halted {
		metrics.EntrySkips.WithLabelValues("KILL_SWITCH").Inc()
		return
	}
	if !assessment.AllowEntry {
		metrics.EntrySkips.WithLabelValues("REGIME").Inc()
		e.logger.Debug().
			Str("symbol", symbol).
			Str("regime", string(assessment.Regime)).
			Msg("Regime blocks entry")
		return
	}
	// HIGH volatility relaxes the gate slightly via the regime's
	// confidence delta.
	if minConf := e.cfg.Decision.MinConfidence + assessment.ConfidenceDelta; e.cfg.Decision.MinConfidence > 0 &&
		verdict.AvgConfidence < minConf {
		metrics.EntrySkips.WithLabelValues("LOW_CONFIDENCE").Inc()
		e.logger.Debug().
			Str("symbol", symbol).
			Float64("confidence", verdict.AvgConfidence).
			Float64("min_confidence", minConf).
			Msg("Verdict confidence below entry gate")
		return
	}
	if allowed, reason := e.deps.Breakers.EntryAllowed(symbol); !allowed {
		metrics.EntrySkips.WithLabelValues("BREAKER").Inc()
		e.logger.Info().Str("symbol", symbol).Str("reason", reason).Msg("Breaker blocks entry")
		return
	}
	if e.deps.Store.Count() >= e.cfg.Engine.MaxOpenPositions {
		metrics.EntrySkips.WithLabelValues("MAX_POSITIONS").Inc()
		return
	}

	e.enter(ctx, symbol, verdict.Signal, equity, assessment, indSnap.ATRFast, returns,
		verdict.DecisionRefs, verdict.AgentIDs)
}

// manageOpen handles a symbol that already has a live position: an
// opposing verdict closes it, anything else leaves the monitor in
// charge.
func (e *Engine) manageOpen(ctx context.Context, pos *position.Position, signal decision.Signal) {
	if signal == decision.SignalHold {
		return
	}
	desired := exchange.SideBuy
	if signal == decision.SignalShort {
		desired = exchange.SideSell
	}
	if desired == pos.Side {
		return
	}

	e.logger.Info().
		Str("symbol", pos.Symbol).
		Str("held", string(pos.Side)).
		Str("signal", string(signal)).
		Msg("Signal reversed against open position, closing")

	res := e.deps.Orders.Close(ctx, pos.Symbol, "signal reversal")
	if res.Status == order.StatusFailed {
		e.logError(pos.Symbol, "orders", fmt.Errorf("reversal close failed: %s", res.Reason))
		return
	}
	if res.Status == order.StatusOk {
		// The opposite entry waits out the reversal cooldown rather than
		// flipping immediately.
		_ = e.deps.Alerts.Info(ctx, "Reversal flip deferred",
			fmt.Sprintf("%s closed on signal reversal, %s entry waits for the cooldown", pos.Symbol, signal),
			map[string]any{"symbol": pos.Symbol, "signal": string(signal)})
	}
}

// enter sizes and submits a new entry.
func (e *Engine) enter(ctx context.Context, symbol string, signal decision.Signal, equity float64,
	assessment regime.Assessment, atr float64, returns map[string][]float64, refs, agentIDs []string) {

	side := exchange.SideBuy
	if signal == decision.SignalShort {
		side = exchange.SideSell
	}

	// Re-quote right before sizing so the order prices off live data.
	fresh, err := e.deps.Market.FreshSnapshot(ctx, symbol)
	if err != nil {
		e.logError(symbol, "market", err)
		return
	}
	filters, err := e.deps.Gateway.Filters(ctx, symbol)
	if err != nil {
		e.logError(symbol, "exchange", err)
		return
	}

	plan, err := e.deps.Risk.Size(risk.SizeRequest{
		Symbol:          symbol,
		Direction:       side,
		Equity:          equity,
		Price:           fresh.Ticker.Mid(),
		Regime:          assessment,
		Filters:         filters,
		OpenPositions:   e.openExposure(),
		ReturnsBySymbol: returns,
	})
	if err != nil {
		metrics.EntrySkips.WithLabelValues("SIZING").Inc()
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Sizing rejected entry")
		return
	}

	res := e.deps.Orders.Open(ctx, order.EntryRequest{
		Symbol:       symbol,
		Side:         side,
		Quantity:     plan.Quantity,
		Leverage:     plan.Leverage,
		Margin:       plan.Margin,
		ATR:          atr,
		TPMultiple:   assessment.TPMultiple,
		SLMultiple:   assessment.SLMultiple,
		DecisionRefs: refs,
		AgentIDs:     agentIDs,
	})

	switch res.Status {
	case order.StatusOk:
		metrics.TradeEvents.WithLabelValues("ENTRY").Inc()
		e.logger.Info().
			Str("symbol", symbol).
			Str("side", string(side)).
			Float64("quantity", plan.Quantity).
			Int("leverage", plan.Leverage).
			Str("note", res.Reason).
			Msg("Entered position")
	case order.StatusSkipped:
		metrics.EntrySkips.WithLabelValues(res.Reason).Inc()
		e.logger.Debug().Str("symbol", symbol).Str("reason", res.Reason).Msg("Entry skipped")
	case order.StatusFailed:
		metrics.EntrySkips.WithLabelValues(res.Reason).Inc()
		e.logError(symbol, "orders", fmt.Errorf("entry failed: %s", res.Reason))
	}
}

// openExposure maps tracked positions into the shape sizing expects.
func (e *Engine) openExposure() []exchange.Position {
	active := e.deps.Store.Active()
	out := make([]exchange.Position, 0, len(active))
	for _, p := range active {
		out = append(out, exchange.Position{
			Symbol:   p.Symbol,
			Side:     p.Side,
			Quantity: p.Quantity,
		})
	}
	return out
}

// reconcile compares locally tracked realized PnL against the venue's
// wallet balance every few cycles and flags drift past the threshold.
func (e *Engine) reconcile(ctx context.Context, bal *exchange.AccountBalance) {
	n := e.cfg.Engine.ReconcileEveryCycles
	if n <= 0 || e.cycle%uint64(n) != 0 {
		return
	}

	e.mu.Lock()
	baselineSet := e.baselineSet
	expected := e.reconBaseline + e.realizedSinceRecon
	e.reconBaseline = bal.WalletBalance
	e.realizedSinceRecon = 0
	e.baselineSet = true
	e.mu.Unlock()

	if !baselineSet {
		return
	}

	actual := bal.WalletBalance
	if actual == 0 {
		return
	}
	drift := math.Abs(actual-expected) / math.Abs(actual)
	if drift <= e.cfg.Engine.EquityDriftThreshold {
		return
	}

	e.logger.Warn().
		Float64("expected", expected).
		Float64("actual", actual).
		Float64("drift", drift).
		Msg("Equity drift beyond threshold")
	e.deps.Journal.LogError(journal.ErrorRow{
		Time:      e.now(),
		Component: "engine",
		Code:      "EQUITY_DRIFT",
		Message:   fmt.Sprintf("expected %.2f actual %.2f drift %.4f", expected, actual, drift),
	})
	e.deps.Alerts.Warning(ctx, "Equity drift",
		"Tracked PnL diverges from venue wallet balance",
		map[string]any{"expected": expected, "actual": actual, "drift": drift})
}

func (e *Engine) logError(symbol, component string, err error) {
	e.logger.Error().Err(err).Str("symbol", symbol).Str("component", component).Msg("Cycle step failed")
	e.deps.Journal.LogError(journal.ErrorRow{
		Time:      e.now(),
		Component: component,
		Symbol:    symbol,
		Message:   err.Error(),
	})
}
