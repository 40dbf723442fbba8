package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alphaarena/engine/internal/indicators"
)

func snapWith(atrFast, atrSlow, lastClose float64) *indicators.Snapshot {
	return &indicators.Snapshot{
		LastClose:  lastClose,
		ATRFast:    atrFast,
		ATRSlow:    atrSlow,
		ATRPercent: atrFast / lastClose,
	}
}

func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name          string
		snap          *indicators.Snapshot
		wantRegime    Regime
		wantEntry     bool
		wantSize      float64
		wantConfDelta float64
		wantTP        float64
		wantSL        float64
	}{
		{
			name:       "extreme blocks entry but keeps wide repair bracket",
			snap:       snapWith(200, 100, 50000), // VR 2.0
			wantRegime: Extreme,
			wantEntry:  false,
			wantSize:   1.0,
			wantTP:     2.5,
			wantSL:     1.25,
		},
		{
			name:       "extreme boundary inclusive",
			snap:       snapWith(180, 100, 50000), // VR 1.8
			wantRegime: Extreme,
			wantEntry:  false,
			wantSize:   1.0,
			wantTP:     2.5,
			wantSL:     1.25,
		},
		{
			name:          "high widens brackets and trims size",
			snap:          snapWith(150, 100, 50000), // VR 1.5
			wantRegime:    High,
			wantEntry:     true,
			wantSize:      0.75,
			wantConfDelta: -0.03,
			wantTP:        2.5,
			wantSL:        1.25,
		},
		{
			name:          "high boundary inclusive",
			snap:          snapWith(120, 100, 50000), // VR 1.2
			wantRegime:    High,
			wantEntry:     true,
			wantSize:      0.75,
			wantConfDelta: -0.03,
			wantTP:        2.5,
			wantSL:        1.25,
		},
		{
			name:       "normal mid band",
			snap:       snapWith(100, 100, 50000), // VR 1.0
			wantRegime: Normal,
			wantEntry:  true,
			wantSize:   1.0,
			wantTP:     2.2,
			wantSL:     1.1,
		},
		{
			name:       "dead market blocks entry",
			snap:       snapWith(40, 100, 50000), // VR 0.4, ATR% 0.08%
			wantRegime: Low,
			wantEntry:  false,
			wantSize:   1.0,
			wantTP:     2.2,
			wantSL:     1.1,
		},
		{
			name:       "compressed ratio with healthy range trades normal",
			snap:       snapWith(240, 600, 50000), // VR 0.4, ATR% 0.48%
			wantRegime: Normal,
			wantEntry:  true,
			wantSize:   1.0,
			wantTP:     2.2,
			wantSL:     1.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := c.Classify("BTCUSDT", tt.snap)
			assert.Equal(t, tt.wantRegime, a.Regime)
			assert.Equal(t, tt.wantEntry, a.AllowEntry)
			assert.Equal(t, tt.wantSize, a.SizeMultiplier)
			assert.Equal(t, tt.wantConfDelta, a.ConfidenceDelta)
			assert.Equal(t, tt.wantTP, a.TPMultiple)
			assert.Equal(t, tt.wantSL, a.SLMultiple)
		})
	}
}
