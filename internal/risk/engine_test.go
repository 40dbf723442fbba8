package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/regime"
)

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskFraction:         0.025,
		RiskFractionCeiling:  0.03,
		MinMarginPerTrade:    200,
		MaxMarginPerTrade:    600,
		BaseLeverage:         2,
		MaxLeverage:          3,
		MaxDailyLossPct:      0.05,
		MaxDrawdown:          0.25,
		MaxConsecutiveLosses: 3,
		MaxAvgLatency:        5 * time.Second,
		LatencyWindow:        20,
		CorrelationThreshold: 0.8,
		CorrelationSizeScale: 0.5,
		BreakerPause:         10 * time.Minute,
		CandleSpreadFactor:   1.2,
		CandleMedianWindow:   20,
		FundingDeltaMax:      0.001,
		QuoteSpreadMax:       0.0015,
	}
}

func normalRegime() regime.Assessment {
	return regime.Assessment{Regime: regime.Normal, AllowEntry: true, SizeMultiplier: 1.0, TPMultiple: 2.2, SLMultiple: 1.1}
}

func TestSizeNormalRegime(t *testing.T) {
	e := NewEngine(riskConfig())

	plan, err := e.Size(SizeRequest{
		Symbol:    "BTCUSDT",
		Direction: exchange.SideBuy,
		Equity:    20000, // 2.5% = 500, inside the band
		Price:     50000,
		Regime:    normalRegime(),
		Filters:   &exchange.SymbolFilters{StepSize: 0.001},
	})
	require.NoError(t, err)

	assert.InDelta(t, 500.0, plan.Margin, 1e-9)
	assert.Equal(t, 2, plan.Leverage)
	// 500 * 2 / 50000 = 0.02
	assert.InDelta(t, 0.02, plan.Quantity, 1e-9)
	assert.False(t, plan.Correlated)
}

func TestSizeClampsMarginBand(t *testing.T) {
	e := NewEngine(riskConfig())

	// Huge account: 2.5% would exceed the $600 ceiling.
	plan, err := e.Size(SizeRequest{
		Symbol: "BTCUSDT", Direction: exchange.SideBuy,
		Equity: 1_000_000, Price: 50000, Regime: normalRegime(),
	})
	require.NoError(t, err)
	assert.InDelta(t, 600.0, plan.Margin, 1e-9)

	// Small account: floor kicks in.
	plan, err = e.Size(SizeRequest{
		Symbol: "BTCUSDT", Direction: exchange.SideBuy,
		Equity: 1000, Price: 50000, Regime: normalRegime(),
	})
	require.NoError(t, err)
	assert.InDelta(t, 200.0, plan.Margin, 1e-9)
}

func TestSizeHighRegimeTrimsAndLevers(t *testing.T) {
	e := NewEngine(riskConfig())

	high := regime.Assessment{Regime: regime.High, AllowEntry: true, SizeMultiplier: 0.75, TPMultiple: 2.5, SLMultiple: 1.25}
	plan, err := e.Size(SizeRequest{
		Symbol: "BTCUSDT", Direction: exchange.SideBuy,
		Equity: 20000, Price: 50000, Regime: high,
	})
	require.NoError(t, err)
	assert.InDelta(t, 375.0, plan.Margin, 1e-9) // 500 * 0.75
	assert.Equal(t, 3, plan.Leverage)
}

func TestSizeCorrelationHalving(t *testing.T) {
	e := NewEngine(riskConfig())

	up := []float64{0.01, 0.02, -0.01, 0.015, 0.005, -0.002, 0.018}
	returns := map[string][]float64{
		"BTCUSDT": up,
		"ETHUSDT": up, // perfectly correlated
	}

	plan, err := e.Size(SizeRequest{
		Symbol: "BTCUSDT", Direction: exchange.SideBuy,
		Equity: 20000, Price: 50000, Regime: normalRegime(),
		OpenPositions:   []exchange.Position{{Symbol: "ETHUSDT", Side: exchange.SideBuy, Quantity: 1}},
		ReturnsBySymbol: returns,
	})
	require.NoError(t, err)
	assert.True(t, plan.Correlated)
	assert.InDelta(t, 250.0, plan.Margin, 1e-9)

	// Opposite direction exposure is not penalized.
	plan, err = e.Size(SizeRequest{
		Symbol: "BTCUSDT", Direction: exchange.SideSell,
		Equity: 20000, Price: 50000, Regime: normalRegime(),
		OpenPositions:   []exchange.Position{{Symbol: "ETHUSDT", Side: exchange.SideBuy, Quantity: 1}},
		ReturnsBySymbol: returns,
	})
	require.NoError(t, err)
	assert.False(t, plan.Correlated)
}

func TestSizeAntiCorrelationAlsoHalves(t *testing.T) {
	e := NewEngine(riskConfig())

	up := []float64{0.01, 0.02, -0.01, 0.015, 0.005, -0.002, 0.018}
	down := make([]float64, len(up))
	for i, r := range up {
		down[i] = -r
	}

	plan, err := e.Size(SizeRequest{
		Symbol: "BTCUSDT", Direction: exchange.SideBuy,
		Equity: 20000, Price: 50000, Regime: normalRegime(),
		OpenPositions:   []exchange.Position{{Symbol: "ETHUSDT", Side: exchange.SideBuy, Quantity: 1}},
		ReturnsBySymbol: map[string][]float64{"BTCUSDT": up, "ETHUSDT": down},
	})
	require.NoError(t, err)
	assert.True(t, plan.Correlated, "inverse movers are the same concentrated bet")
	assert.InDelta(t, 250.0, plan.Margin, 1e-9)
}

func TestLeverageGovernor(t *testing.T) {
	e := NewEngine(riskConfig())

	assert.Equal(t, 2, e.Leverage(regime.Normal))
	assert.Equal(t, 3, e.Leverage(regime.High))
	assert.Equal(t, 1, e.Leverage(regime.Low))

	// Two consecutive losses shave one step.
	e.RecordOutcome(-50)
	e.RecordOutcome(-30)
	assert.Equal(t, 1, e.Leverage(regime.Normal))
	assert.Equal(t, 2, e.Leverage(regime.High))
	assert.Equal(t, 1, e.Leverage(regime.Low), "never below 1")

	// A win resets the streak.
	e.RecordOutcome(80)
	assert.Equal(t, 2, e.Leverage(regime.Normal))
}

func TestKillSwitchOrder(t *testing.T) {
	e := NewEngine(riskConfig())

	// Daily loss trips first even when drawdown would also fire.
	e.RecordOutcome(-600)
	ks, halted := e.CheckKillSwitches(5000, 10000, 0, 0)
	require.True(t, halted)
	assert.Equal(t, KillDailyLoss, ks)
}

func TestKillSwitchDailyLossIsPctOfStartEquity(t *testing.T) {
	e := NewEngine(riskConfig())

	// First check anchors the day at 10000, so the cap is 500.
	_, halted := e.CheckKillSwitches(10000, 10000, 0, 0)
	require.False(t, halted)

	e.RecordOutcome(-400)
	_, halted = e.CheckKillSwitches(9600, 10000, 0, 0)
	assert.False(t, halted, "4% of the day's start is under the 5% cap")

	e.RecordOutcome(-150)
	ks, halted := e.CheckKillSwitches(9450, 10000, 0, 0)
	require.True(t, halted)
	assert.Equal(t, KillDailyLoss, ks)
}

func TestDailyLossHaltClearsOnDayRollover(t *testing.T) {
	e := NewEngine(riskConfig())
	day := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	e.daily.now = func() time.Time { return day }
	e.daily.day = "2025-06-01"

	e.RecordOutcome(-600)
	ks, halted := e.CheckKillSwitches(10000, 10000, 0, 0)
	require.True(t, halted)
	require.Equal(t, KillDailyLoss, ks)

	_, halted = e.CheckKillSwitches(10000, 10000, 0, 0)
	require.True(t, halted, "latched within the same day")

	day = day.Add(2 * time.Hour) // next UTC day
	_, halted = e.CheckKillSwitches(10000, 10000, 0, 0)
	assert.False(t, halted, "fresh day trades again")
}

func TestKillSwitchDrawdown(t *testing.T) {
	e := NewEngine(riskConfig())
	ks, halted := e.CheckKillSwitches(7400, 10000, 0, 0) // 26% drawdown
	require.True(t, halted)
	assert.Equal(t, KillDrawdown, ks)

	e2 := NewEngine(riskConfig())
	_, halted = e2.CheckKillSwitches(7600, 10000, 0, 0) // 24%
	assert.False(t, halted)
}

func TestKillSwitchConsecutiveLosses(t *testing.T) {
	e := NewEngine(riskConfig())
	e.RecordOutcome(-10)
	e.RecordOutcome(-10)
	_, halted := e.CheckKillSwitches(10000, 10000, 0, 0)
	assert.False(t, halted)

	e.RecordOutcome(-10)
	ks, halted := e.CheckKillSwitches(10000, 10000, 0, 0)
	require.True(t, halted)
	assert.Equal(t, KillConsecutiveLosses, ks)
}

func TestKillSwitchLatencyNeedsFullWindow(t *testing.T) {
	e := NewEngine(riskConfig())

	_, halted := e.CheckKillSwitches(10000, 10000, 8*time.Second, 10)
	assert.False(t, halted, "window not full yet")

	ks, halted := e.CheckKillSwitches(10000, 10000, 8*time.Second, 20)
	require.True(t, halted)
	assert.Equal(t, KillLatency, ks)
}

func TestKillSwitchLatches(t *testing.T) {
	e := NewEngine(riskConfig())
	e.RecordOutcome(-600)
	_, halted := e.CheckKillSwitches(10000, 10000, 0, 0)
	require.True(t, halted)

	// Still halted on a later, otherwise healthy check.
	ks, halted := e.CheckKillSwitches(10000, 10000, 0, 0)
	require.True(t, halted)
	assert.Equal(t, KillDailyLoss, ks)

	e.Reset()
	_, halted = e.CheckKillSwitches(10000, 10000, 0, 0)
	assert.False(t, halted)
}

func TestDailyTracker(t *testing.T) {
	tr := NewDailyTracker()
	tr.Add(-100)
	tr.Add(40)
	assert.InDelta(t, -60.0, tr.Realized(), 1e-9)
	assert.InDelta(t, 60.0, tr.Loss(), 1e-9)

	tr.Add(100)
	assert.Equal(t, 0.0, tr.Loss(), "positive day has no loss")
}

func TestDailyTrackerRollsOverAtUTCMidnight(t *testing.T) {
	tr := NewDailyTracker()
	day := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return day }
	tr.day = "2025-06-01"

	tr.Add(-300)
	assert.InDelta(t, 300.0, tr.Loss(), 1e-9)

	day = day.Add(2 * time.Hour) // next UTC day
	assert.Equal(t, 0.0, tr.Loss())
}

func TestPearson(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	assert.InDelta(t, 1.0, pearson(a, b), 1e-9)

	c := []float64{5, 4, 3, 2, 1}
	assert.InDelta(t, -1.0, pearson(a, c), 1e-9)

	assert.Equal(t, 0.0, pearson(a, []float64{1}), "too short")
	assert.Equal(t, 0.0, pearson(a, []float64{3, 3, 3, 3, 3}), "zero variance")
}
