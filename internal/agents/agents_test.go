package agents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalWeightClamped(t *testing.T) {
	tests := []struct {
		name       string
		base       float64
		multiplier float64
		want       float64
	}{
		{"neutral", 1.0, 1.0, 1.0},
		{"scaled up", 1.0, 1.2, 1.2},
		{"clamped high", 1.2, 1.5, 1.3},
		{"clamped low", 0.8, 0.5, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Agent{ID: "a", Symbol: "BTCUSDT", BaseWeight: tt.base, PerformanceMultiplier: tt.multiplier}
			assert.InDelta(t, tt.want, a.FinalWeight(), 1e-9)
		})
	}
}

func TestAdjustPerformance(t *testing.T) {
	a := &Agent{ID: "a", Symbol: "BTCUSDT", BaseWeight: 1.0, PerformanceMultiplier: 1.0}

	a.AdjustPerformance(true)
	assert.InDelta(t, 1.02, a.PerformanceMultiplier, 1e-9)

	a.AdjustPerformance(false)
	a.AdjustPerformance(false)
	assert.InDelta(t, 0.98, a.PerformanceMultiplier, 1e-9)

	// Multiplier is bounded even after a long streak.
	for i := 0; i < 100; i++ {
		a.AdjustPerformance(false)
	}
	assert.Equal(t, 0.5, a.PerformanceMultiplier)
	assert.Equal(t, MinFinalWeight, a.FinalWeight())
}

func writeAgent(t *testing.T, dir, id, symbol string) {
	t.Helper()
	data := []byte(`{"id":"` + id + `","symbol":"` + symbol +
		`","style":"momentum","base_weight":1.0,"performance_multiplier":1.0}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644))
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "btc-momentum", "BTCUSDT")
	writeAgent(t, dir, "btc-contrarian", "BTCUSDT")
	writeAgent(t, dir, "eth-momentum", "ETHUSDT")

	r, err := LoadRegistry(dir)
	require.NoError(t, err)

	assert.Len(t, r.All(), 3)
	assert.Len(t, r.ForSymbol("BTCUSDT"), 2)
	assert.Len(t, r.ForSymbol("ETHUSDT"), 1)
	assert.Empty(t, r.ForSymbol("SOLUSDT"))

	a, ok := r.Get("btc-momentum")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", a.Symbol)
}

func TestLoadRegistryEmptyDirFails(t *testing.T) {
	_, err := LoadRegistry(t.TempDir())
	assert.Error(t, err)
}

func TestLoadRegistryRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "dup", "BTCUSDT")
	data := []byte(`{"id":"dup","symbol":"ETHUSDT","style":"x","base_weight":1.0}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dup2.json"), data, 0o644))

	_, err := LoadRegistry(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "btc-momentum", "BTCUSDT")

	r, err := LoadRegistry(dir)
	require.NoError(t, err)

	a, _ := r.Get("btc-momentum")
	a.AdjustPerformance(true)
	a.AdjustPerformance(true)
	require.NoError(t, r.Persist())

	r2, err := LoadRegistry(dir)
	require.NoError(t, err)
	a2, _ := r2.Get("btc-momentum")
	assert.InDelta(t, 1.04, a2.PerformanceMultiplier, 1e-9)
}
