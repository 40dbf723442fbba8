package agents

import (
	"sync"
)

// Weight bounds for an agent's final vote weight.
const (
	MinFinalWeight = 0.7
	MaxFinalWeight = 1.3

	// performanceStep is how far one outcome moves the multiplier.
	performanceStep = 0.02
)

// Agent is one decision-making persona bound to a symbol.
type Agent struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Style      string  `json:"style"` // e.g. "momentum", "contrarian", "breakout"
	Persona    string  `json:"persona"`
	BaseWeight float64 `json:"base_weight"`

	mu                    sync.Mutex
	PerformanceMultiplier float64 `json:"performance_multiplier"`
}

// FinalWeight is the base weight scaled by recent performance, clamped
// to [0.7, 1.3].
func (a *Agent) FinalWeight() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clampWeight(a.BaseWeight * a.PerformanceMultiplier)
}

// AdjustPerformance nudges the multiplier after a closed trade the
// agent voted for. The final weight stays inside its clamp either way;
// the multiplier itself is kept in a band wide enough to swing the
// weight across the full range.
func (a *Agent) AdjustPerformance(won bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.PerformanceMultiplier == 0 {
		a.PerformanceMultiplier = 1.0
	}
	if won {
		a.PerformanceMultiplier += performanceStep
	} else {
		a.PerformanceMultiplier -= performanceStep
	}
	if a.PerformanceMultiplier < 0.5 {
		a.PerformanceMultiplier = 0.5
	}
	if a.PerformanceMultiplier > 1.5 {
		a.PerformanceMultiplier = 1.5
	}
}

// snapshotMultiplier reads the multiplier under lock, for persistence.
func (a *Agent) snapshotMultiplier() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.PerformanceMultiplier == 0 {
		return 1.0
	}
	return a.PerformanceMultiplier
}

func clampWeight(w float64) float64 {
	if w < MinFinalWeight {
		return MinFinalWeight
	}
	if w > MaxFinalWeight {
		return MaxFinalWeight
	}
	return w
}
