package arbiter

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/agents"
	"github.com/alphaarena/engine/internal/confidence"
	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/decision"
)

// conflictBand is the fraction of the dominant score inside which
// opposing long and short pressure is considered unresolved.
const conflictBand = 0.15

// tieEpsilon guards float comparison when both sides score the same.
const tieEpsilon = 1e-9

// Verdict is the arbitrated outcome for one symbol in one cycle.
type Verdict struct {
	Symbol        string          `json:"symbol"`
	Signal        decision.Signal `json:"signal"`
	LongScore     float64         `json:"long_score"`
	ShortScore    float64         `json:"short_score"`
	AvgConfidence float64         `json:"avg_confidence"` // normalized, winning side
	Conflicted    bool            `json:"conflicted"`
	DecisionRefs  []string        `json:"decision_refs"` // winning side's votes
	AgentIDs      []string        `json:"agent_ids"`     // winning side's agents
}

// Arbiter folds agent votes into one verdict per symbol.
type Arbiter struct {
	normalizer *confidence.Normalizer
	logger     zerolog.Logger
}

// New creates an arbiter over the shared confidence normalizer.
func New(normalizer *confidence.Normalizer) *Arbiter {
	return &Arbiter{
		normalizer: normalizer,
		logger:     config.NewLogger("arbiter"),
	}
}

// Arbitrate scores each direction as the sum over its voters of
// normalized confidence times final agent weight. A HOLD vote carries
// no weight. When both directions score within 15% of the dominant
// side, the verdict is HOLD.
func (a *Arbiter) Arbitrate(symbol string, votes []*decision.Decision, roster []*agents.Agent) Verdict {
	weights := make(map[string]float64, len(roster))
	for _, agent := range roster {
		weights[agent.ID] = agent.FinalWeight()
	}

	verdict := Verdict{Symbol: symbol, Signal: decision.SignalHold}

	type sideAccum struct {
		score   float64
		confSum float64
		n       int
		refs    []string
		ids     []string
	}
	var long, short sideAccum

	for _, vote := range votes {
		if vote == nil || vote.Signal == decision.SignalHold {
			continue
		}
		weight, ok := weights[vote.AgentID]
		if !ok {
			continue
		}
		normalized := a.normalizer.Normalize(vote.AgentID, vote.Confidence)
		contribution := normalized * weight

		side := &long
		if vote.Signal == decision.SignalShort {
			side = &short
		}
		side.score += contribution
		side.confSum += normalized
		side.n++
		side.refs = append(side.refs, vote.Ref)
		side.ids = append(side.ids, vote.AgentID)
	}

	verdict.LongScore = long.score
	verdict.ShortScore = short.score

	dominant := math.Max(long.score, short.score)
	if dominant <= tieEpsilon {
		return verdict
	}

	diff := math.Abs(long.score - short.score)
	if long.score > tieEpsilon && short.score > tieEpsilon && diff < conflictBand*dominant {
		verdict.Conflicted = true
		a.logger.Info().
			Str("symbol", symbol).
			Float64("long_score", long.score).
			Float64("short_score", short.score).
			Msg("Conflicting signals, holding")
		return verdict
	}
	if diff <= tieEpsilon {
		verdict.Conflicted = true
		return verdict
	}

	winner := &long
	verdict.Signal = decision.SignalLong
	if short.score > long.score {
		winner = &short
		verdict.Signal = decision.SignalShort
	}
	verdict.AvgConfidence = winner.confSum / float64(winner.n)
	verdict.DecisionRefs = winner.refs
	verdict.AgentIDs = winner.ids

	a.logger.Debug().
		Str("symbol", symbol).
		Str("signal", string(verdict.Signal)).
		Float64("long_score", long.score).
		Float64("short_score", short.score).
		Float64("avg_confidence", verdict.AvgConfidence).
		Msg("Signals arbitrated")

	return verdict
}
