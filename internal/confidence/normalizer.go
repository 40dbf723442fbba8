package confidence

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
)

// windowSize is the rolling decision-outcome window per agent.
const windowSize = 20

// Normalizer scales raw agent confidences by each agent's recent
// accuracy: normalized = raw * (0.5 + accuracy), clipped to [0, 1].
// An agent with no recorded outcomes keeps its raw confidence
// (multiplier 1.0) so new agents are not penalized.
type Normalizer struct {
	mu      sync.RWMutex
	history map[string][]bool // agentID -> win/loss ring, newest last
	logger  zerolog.Logger
}

// NewNormalizer creates an empty normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		history: make(map[string][]bool),
		logger:  config.NewLogger("confidence"),
	}
}

// Normalize scales a raw confidence for the given agent.
func (n *Normalizer) Normalize(agentID string, raw float64) float64 {
	raw = clip01(raw)

	n.mu.RLock()
	outcomes := n.history[agentID]
	n.mu.RUnlock()

	if len(outcomes) == 0 {
		return raw
	}

	wins := 0
	for _, won := range outcomes {
		if won {
			wins++
		}
	}
	accuracy := float64(wins) / float64(len(outcomes))
	normalized := clip01(raw * (0.5 + accuracy))

	n.logger.Debug().
		Str("agent_id", agentID).
		Float64("raw", raw).
		Float64("accuracy", accuracy).
		Float64("normalized", normalized).
		Int("window", len(outcomes)).
		Msg("Confidence normalized")

	return normalized
}

// RecordOutcome appends a win/loss to the agent's rolling window.
// Breakeven outcomes are not recorded.
func (n *Normalizer) RecordOutcome(agentID string, won bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	outcomes := append(n.history[agentID], won)
	if len(outcomes) > windowSize {
		outcomes = outcomes[len(outcomes)-windowSize:]
	}
	n.history[agentID] = outcomes
}

// Accuracy returns the agent's rolling accuracy and whether any
// outcomes have been recorded.
func (n *Normalizer) Accuracy(agentID string) (float64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	outcomes := n.history[agentID]
	if len(outcomes) == 0 {
		return 0, false
	}
	wins := 0
	for _, won := range outcomes {
		if won {
			wins++
		}
	}
	return float64(wins) / float64(len(outcomes)), true
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
