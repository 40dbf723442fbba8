package regime

import (
	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/indicators"
)

// Regime is the volatility regime for one symbol in one cycle.
type Regime string

const (
	Low     Regime = "LOW"
	Normal  Regime = "NORMAL"
	High    Regime = "HIGH"
	Extreme Regime = "EXTREME"
)

// Band thresholds on the volatility ratio (fast ATR / slow ATR).
const (
	extremeVR = 1.8
	highVR    = 1.2
	lowVR     = 0.5

	// A market is dead only when both the ratio and the absolute
	// range are compressed.
	lowATRPercent = 0.002
)

// TP/SL distance multiples of the fast ATR per regime. HIGH and
// EXTREME share the wide bracket; EXTREME blocks entries but the wide
// multiples still shape repairs of already-open positions.
const (
	normalTPMultiple = 2.2
	normalSLMultiple = 1.1
	wideTPMultiple   = 2.5
	wideSLMultiple   = 1.25

	highSizeMultiplier = 0.75

	// HIGH volatility relaxes the entry confidence threshold.
	highConfidenceDelta = -0.03
)

// Assessment is the classifier output consumed by risk sizing and
// order geometry.
type Assessment struct {
	Regime          Regime  `json:"regime"`
	VolatilityRatio float64 `json:"volatility_ratio"`
	ATRPercent      float64 `json:"atr_percent"`
	AllowEntry      bool    `json:"allow_entry"`
	SizeMultiplier  float64 `json:"size_multiplier"`
	ConfidenceDelta float64 `json:"confidence_delta"`
	TPMultiple      float64 `json:"tp_multiple"`
	SLMultiple      float64 `json:"sl_multiple"`
}

// Classifier maps indicator snapshots to volatility regimes.
type Classifier struct {
	logger zerolog.Logger
}

// NewClassifier creates a regime classifier.
func NewClassifier() *Classifier {
	return &Classifier{logger: config.NewLogger("regime")}
}

// Classify assigns the regime for a snapshot.
//
// EXTREME (VR >= 1.8) and dead-market LOW (VR < 0.5 with ATR% < 0.2%)
// both block new entries; exits are never affected. A compressed ratio
// with a still-healthy absolute range trades as NORMAL.
func (c *Classifier) Classify(symbol string, snap *indicators.Snapshot) Assessment {
	vr := snap.VolatilityRatio()
	atrPct := snap.ATRPercent

	a := Assessment{
		VolatilityRatio: vr,
		ATRPercent:      atrPct,
		SizeMultiplier:  1.0,
		TPMultiple:      normalTPMultiple,
		SLMultiple:      normalSLMultiple,
	}

	switch {
	case vr >= extremeVR:
		a.Regime = Extreme
		a.AllowEntry = false
		a.TPMultiple = wideTPMultiple
		a.SLMultiple = wideSLMultiple
	case vr >= highVR:
		a.Regime = High
		a.AllowEntry = true
		a.SizeMultiplier = highSizeMultiplier
		a.ConfidenceDelta = highConfidenceDelta
		a.TPMultiple = wideTPMultiple
		a.SLMultiple = wideSLMultiple
	case vr < lowVR && atrPct < lowATRPercent:
		a.Regime = Low
		a.AllowEntry = false
	default:
		a.Regime = Normal
		a.AllowEntry = true
	}

	c.logger.Debug().
		Str("symbol", symbol).
		Str("regime", string(a.Regime)).
		Float64("vr", vr).
		Float64("atr_pct", atrPct).
		Bool("allow_entry", a.AllowEntry).
		Msg("Regime classified")

	return a
}
