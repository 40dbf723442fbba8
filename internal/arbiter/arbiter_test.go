package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alphaarena/engine/internal/agents"
	"github.com/alphaarena/engine/internal/confidence"
	"github.com/alphaarena/engine/internal/decision"
)

func roster(ids ...string) []*agents.Agent {
	out := make([]*agents.Agent, len(ids))
	for i, id := range ids {
		out[i] = &agents.Agent{ID: id, Symbol: "BTCUSDT", BaseWeight: 1.0, PerformanceMultiplier: 1.0}
	}
	return out
}

func vote(agentID string, signal decision.Signal, conf float64) *decision.Decision {
	return &decision.Decision{
		Ref:        "ref-" + agentID,
		AgentID:    agentID,
		Symbol:     "BTCUSDT",
		Signal:     signal,
		Confidence: conf,
	}
}

func TestArbitrateUnanimousLong(t *testing.T) {
	a := New(confidence.NewNormalizer())
	agentsList := roster("a1", "a2", "a3")

	v := a.Arbitrate("BTCUSDT", []*decision.Decision{
		vote("a1", decision.SignalLong, 0.8),
		vote("a2", decision.SignalLong, 0.7),
		vote("a3", decision.SignalHold, 0.9),
	}, agentsList)

	assert.Equal(t, decision.SignalLong, v.Signal)
	assert.InDelta(t, 1.5, v.LongScore, 1e-9)
	assert.Equal(t, 0.0, v.ShortScore)
	assert.InDelta(t, 0.75, v.AvgConfidence, 1e-9)
	assert.ElementsMatch(t, []string{"a1", "a2"}, v.AgentIDs)
	assert.False(t, v.Conflicted)
}

func TestArbitrateClearWinnerDespiteOpposition(t *testing.T) {
	a := New(confidence.NewNormalizer())
	agentsList := roster("a1", "a2")

	v := a.Arbitrate("BTCUSDT", []*decision.Decision{
		vote("a1", decision.SignalLong, 0.9),
		vote("a2", decision.SignalShort, 0.4),
	}, agentsList)

	assert.Equal(t, decision.SignalLong, v.Signal)
	assert.False(t, v.Conflicted)
}

func TestArbitrateConflictInsideBandHolds(t *testing.T) {
	a := New(confidence.NewNormalizer())
	agentsList := roster("a1", "a2")

	// Scores 0.80 vs 0.72: difference 0.08 < 0.15 * 0.80 = 0.12.
	v := a.Arbitrate("BTCUSDT", []*decision.Decision{
		vote("a1", decision.SignalLong, 0.80),
		vote("a2", decision.SignalShort, 0.72),
	}, agentsList)

	assert.Equal(t, decision.SignalHold, v.Signal)
	assert.True(t, v.Conflicted)
	assert.Empty(t, v.DecisionRefs)
}

func TestArbitrateExactTieHolds(t *testing.T) {
	a := New(confidence.NewNormalizer())
	agentsList := roster("a1", "a2")

	v := a.Arbitrate("BTCUSDT", []*decision.Decision{
		vote("a1", decision.SignalLong, 0.6),
		vote("a2", decision.SignalShort, 0.6),
	}, agentsList)

	assert.Equal(t, decision.SignalHold, v.Signal)
	assert.True(t, v.Conflicted)
}

func TestArbitrateAllHoldsStaysFlat(t *testing.T) {
	a := New(confidence.NewNormalizer())
	agentsList := roster("a1", "a2")

	v := a.Arbitrate("BTCUSDT", []*decision.Decision{
		vote("a1", decision.SignalHold, 0.9),
		vote("a2", decision.SignalHold, 0.9),
	}, agentsList)

	assert.Equal(t, decision.SignalHold, v.Signal)
	assert.False(t, v.Conflicted)
	assert.Equal(t, 0.0, v.LongScore)
	assert.Equal(t, 0.0, v.ShortScore)
}

func TestArbitrateWeightsTipTheScale(t *testing.T) {
	n := confidence.NewNormalizer()
	a := New(n)

	heavy := &agents.Agent{ID: "heavy", Symbol: "BTCUSDT", BaseWeight: 1.3, PerformanceMultiplier: 1.0}
	light := &agents.Agent{ID: "light", Symbol: "BTCUSDT", BaseWeight: 0.7, PerformanceMultiplier: 1.0}

	v := a.Arbitrate("BTCUSDT", []*decision.Decision{
		vote("heavy", decision.SignalShort, 0.7),
		vote("light", decision.SignalLong, 0.7),
	}, []*agents.Agent{heavy, light})

	// 0.91 vs 0.49: short wins well outside the conflict band.
	assert.Equal(t, decision.SignalShort, v.Signal)
}

func TestArbitrateUsesNormalizedConfidence(t *testing.T) {
	n := confidence.NewNormalizer()
	// A cold agent (all losses) has its confidence halved.
	for i := 0; i < 5; i++ {
		n.RecordOutcome("cold", false)
		n.RecordOutcome("hot", true)
	}
	a := New(n)

	v := a.Arbitrate("BTCUSDT", []*decision.Decision{
		vote("cold", decision.SignalLong, 0.8),  // 0.8 * 0.5 = 0.40
		vote("hot", decision.SignalShort, 0.6),  // 0.6 * 1.5 = 0.90
	}, roster("cold", "hot"))

	assert.Equal(t, decision.SignalShort, v.Signal)
	assert.InDelta(t, 0.40, v.LongScore, 1e-9)
	assert.InDelta(t, 0.90, v.ShortScore, 1e-9)
}

func TestArbitrateIgnoresUnknownAgents(t *testing.T) {
	a := New(confidence.NewNormalizer())

	v := a.Arbitrate("BTCUSDT", []*decision.Decision{
		vote("ghost", decision.SignalLong, 0.9),
	}, roster("a1"))

	assert.Equal(t, decision.SignalHold, v.Signal)
}
