package decision

import (
	"errors"
	"time"

	"github.com/alphaarena/engine/internal/indicators"
	"github.com/alphaarena/engine/internal/regime"
)

// Signal is an agent's directional vote.
type Signal string

const (
	SignalLong  Signal = "LONG"
	SignalShort Signal = "SHORT"
	SignalHold  Signal = "HOLD"
)

// ErrUnavailable marks a decision that could not be produced in time.
// The pipeline converts it into a HOLD.
var ErrUnavailable = errors.New("decision unavailable")

// Decision is one agent's vote for one cycle.
type Decision struct {
	Ref         string    `json:"ref"` // unique id linking decision to outcome
	AgentID     string    `json:"agent_id"`
	Symbol      string    `json:"symbol"`
	Signal      Signal    `json:"signal"`
	Confidence  float64   `json:"confidence"` // raw, [0,1]
	Rationale   string    `json:"rationale"`
	Cycle       uint64    `json:"cycle"`
	Time        time.Time `json:"time"`
	Cached      bool      `json:"cached"`
	Unavailable bool      `json:"unavailable"`
}

// MarketContext is the per-symbol input handed to each agent.
type MarketContext struct {
	Symbol      string
	Snapshot    *indicators.Snapshot
	Regime      regime.Assessment
	FundingRate float64
	MidPrice    float64
}
