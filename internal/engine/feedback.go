package engine

import (
	"github.com/alphaarena/engine/internal/journal"
	"github.com/alphaarena/engine/internal/metrics"
	"github.com/alphaarena/engine/internal/position"
)

// Trade outcomes fed back into agent weights and journals.
const (
	outcomeWin       = "WIN"
	outcomeLoss      = "LOSS"
	outcomeBreakeven = "BREAKEVEN"
)

// handleClose is the single feedback point for every position that
// reaches CLOSED. It updates the risk counters, nudges the weight of
// each agent that voted for the trade and journals one learning row
// per originating decision. Breakeven moves nothing.
func (e *Engine) handleClose(p *position.Position) {
	pnl := p.RealizedPnL
	outcome := outcomeBreakeven
	switch {
	case pnl > 0:
		outcome = outcomeWin
	case pnl < 0:
		outcome = outcomeLoss
	}

	e.deps.Risk.RecordOutcome(pnl)

	e.mu.Lock()
	e.realizedSinceRecon += pnl
	e.mu.Unlock()

	if outcome != outcomeBreakeven {
		won := outcome == outcomeWin
		for _, agentID := range p.AgentIDs {
			e.deps.Normalizer.RecordOutcome(agentID, won)
			if agent, ok := e.deps.Registry.Get(agentID); ok {
				agent.AdjustPerformance(won)
			}
		}
	}

	roi := 0.0
	if p.Margin > 0 {
		roi = pnl / p.Margin
	}
	hold := p.HoldDuration(e.now()).Seconds()
	if !p.ClosedAt.IsZero() {
		hold = p.ClosedAt.Sub(p.OpenedAt).Seconds()
	}
	for i, ref := range p.DecisionRefs {
		agentID := ""
		if i < len(p.AgentIDs) {
			agentID = p.AgentIDs[i]
		}
		e.deps.Journal.LogLearning(journal.LearningRow{
			Time:        e.now(),
			Ref:         ref,
			AgentID:     agentID,
			Symbol:      p.Symbol,
			Outcome:     outcome,
			ROI:         roi,
			HoldSeconds: hold,
		})
	}

	if err := e.deps.Registry.Persist(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist agent weights")
	}

	metrics.TradeEvents.WithLabelValues("CLOSE").Inc()
	metrics.DailyRealizedPnL.Set(e.deps.Risk.Daily().Realized())
	metrics.OpenPositions.Set(float64(e.deps.Store.Count()))

	e.logger.Info().
		Str("symbol", p.Symbol).
		Str("outcome", outcome).
		Float64("pnl", pnl).
		Float64("roi", roi).
		Str("reason", p.CloseReason).
		Msg("Trade outcome recorded")
}
