package decision

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alphaarena/engine/internal/agents"
)

// RuleProvider is a deterministic indicator-driven provider used in
// dry-run mode and when no completion endpoint is configured.
type RuleProvider struct{}

// NewRuleProvider creates the heuristic provider.
func NewRuleProvider() *RuleProvider {
	return &RuleProvider{}
}

// Decide votes from EMA trend, RSI and MACD histogram. Contrarian
// agents invert the directional read on stretched RSI.
func (p *RuleProvider) Decide(_ context.Context, agent *agents.Agent, mctx *MarketContext) (*Decision, error) {
	snap := mctx.Snapshot

	signal := SignalHold
	confidence := 0.5
	rationale := "mixed indicators"

	bullish := snap.EMATrend == "bullish" && snap.MACDHist > 0
	bearish := snap.EMATrend == "bearish" && snap.MACDHist < 0

	switch {
	case bullish && snap.RSI < 70:
		signal = SignalLong
		confidence = 0.6 + 0.2*(70-snap.RSI)/70
		rationale = "uptrend with momentum, RSI not stretched"
	case bearish && snap.RSI > 30:
		signal = SignalShort
		confidence = 0.6 + 0.2*snap.RSI/100
		rationale = "downtrend with momentum, RSI not washed out"
	}

	if agent.Style == "contrarian" {
		switch {
		case snap.RSI >= 75:
			signal = SignalShort
			confidence = 0.55 + (snap.RSI-75)/100
			rationale = "overbought reversion"
		case snap.RSI <= 25:
			signal = SignalLong
			confidence = 0.55 + (25-snap.RSI)/100
			rationale = "oversold reversion"
		default:
			signal = SignalHold
			confidence = 0.4
			rationale = "no extreme to fade"
		}
	}

	if confidence > 1 {
		confidence = 1
	}

	return &Decision{
		Ref:        uuid.NewString(),
		AgentID:    agent.ID,
		Symbol:     mctx.Symbol,
		Signal:     signal,
		Confidence: confidence,
		Rationale:  rationale,
		Time:       time.Now(),
	}, nil
}
