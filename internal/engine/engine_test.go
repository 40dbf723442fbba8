package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphaarena/engine/internal/agents"
	"github.com/alphaarena/engine/internal/alerts"
	"github.com/alphaarena/engine/internal/arbiter"
	"github.com/alphaarena/engine/internal/confidence"
	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/decision"
	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/indicators"
	"github.com/alphaarena/engine/internal/journal"
	"github.com/alphaarena/engine/internal/market"
	"github.com/alphaarena/engine/internal/order"
	"github.com/alphaarena/engine/internal/position"
	"github.com/alphaarena/engine/internal/regime"
	"github.com/alphaarena/engine/internal/risk"
)

// scriptedProvider votes the same signal for every agent.
type scriptedProvider struct {
	signal     decision.Signal
	confidence float64
}

func (p *scriptedProvider) Decide(_ context.Context, agent *agents.Agent, mctx *decision.MarketContext) (*decision.Decision, error) {
	return &decision.Decision{
		Ref:        "ref-" + agent.ID,
		AgentID:    agent.ID,
		Symbol:     mctx.Symbol,
		Signal:     p.signal,
		Confidence: p.confidence,
		Rationale:  "scripted",
		Time:       time.Now(),
	}, nil
}

// recordingAlerter captures alerts for assertions.
type recordingAlerter struct {
	mu   sync.Mutex
	sent []alerts.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alerts.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
	return nil
}

func (r *recordingAlerter) bySeverity(s alerts.Severity) []alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alerts.Alert
	for _, a := range r.sent {
		if a.Severity == s {
			out = append(out, a)
		}
	}
	return out
}

// flatKlines builds n candles hovering around price with a steady
// range, which classifies as a NORMAL regime.
func flatKlines(n int, price float64) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	base := time.Now().Add(-time.Duration(n) * 5 * time.Minute)
	for i := range klines {
		drift := float64(i%4)*0.1 - 0.15
		close := price + drift
		klines[i] = exchange.Kline{
			OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:     close - 0.05,
			High:     close + 0.3,
			Low:      close - 0.3,
			Close:    close,
			Volume:   100,
		}
	}
	return klines
}

func writeAgentFile(t *testing.T, dir, id, symbol string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"id":          id,
		"symbol":      symbol,
		"style":       "momentum",
		"persona":     "trend follower",
		"base_weight": 1.0,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Engine: config.EngineConfig{
			Symbols:              []string{"BTCUSDT"},
			CycleInterval:        time.Minute,
			CycleTimeout:         10 * time.Second,
			ReconcileEveryCycles: 1000,
			FlushEveryCycles:     1,
			EquityDriftThreshold: 0.01,
			MaxOpenPositions:     3,
			DataDir:              t.TempDir(),
		},
		Market: config.MarketConfig{
			KlineInterval:  "5m",
			KlineLimit:     100,
			CacheTTL:       time.Millisecond,
			HardRefreshAge: time.Millisecond,
		},
		Decision: config.DecisionConfig{
			Timeout:            time.Second,
			MinConfidence:      0.65,
			CacheMinConfidence: 0.8,
			CacheMaxAgeCycles:  4,
		},
		Risk: config.RiskConfig{
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
		},
		Orders: config.OrderConfig{
			SameSideCooldown:  900 * time.Second,
			ReversalCooldown:  600 * time.Second,
			DuplicateDebounce: 2500 * time.Millisecond,
			ExitDebounce:      5 * time.Second,
			ConfirmTimeout:    time.Second,
			ConfirmPoll:       10 * time.Millisecond,
			MinNotional:       10,
			PartialROI:        0.003,
			PartialFraction:   0.5,
			BreakevenBuffer:   0.0005,
			SafetyOffsetTicks: 2,
			RejectThrottle:    60 * time.Second,
			DailyOrderCap:     60,
		},
	}
}

type testHarness struct {
	engine   *Engine
	gw       *exchange.MockGateway
	store    *position.Store
	registry *agents.Registry
	risk     *risk.Engine
	norm     *confidence.Normalizer
	alerter  *recordingAlerter
	cfg      *config.Config
}

func newTestEngine(t *testing.T, provider decision.Provider, cfg *config.Config) *testHarness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}

	gw := exchange.NewMockGateway()
	gw.KlinesData["BTCUSDT"] = flatKlines(60, 100)
	gw.TickerData["BTCUSDT"] = &exchange.Ticker{Symbol: "BTCUSDT", Bid: 99.95, Ask: 100.05}
	gw.PremiumData["BTCUSDT"] = &exchange.PremiumIndex{Symbol: "BTCUSDT", MarkPrice: 100, FundingRate: 0.0001}

	agentsDir := t.TempDir()
	writeAgentFile(t, agentsDir, "btc-momentum", "BTCUSDT")
	registry, err := agents.LoadRegistry(agentsDir)
	require.NoError(t, err)

	store, err := position.NewStore("")
	require.NoError(t, err)
	guard := position.NewGuard(cfg.Orders)

	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(j.Close)

	orders := order.NewManager(cfg.Orders, gw, store, guard, j)
	norm := confidence.NewNormalizer()
	riskEngine := risk.NewEngine(cfg.Risk)
	alerter := &recordingAlerter{}

	eng, err := New(cfg, Deps{
		Gateway:    gw,
		Market:     market.NewService(gw, cfg.Market, nil),
		Indicators: indicators.NewService(),
		Classifier: regime.NewClassifier(),
		Registry:   registry,
		Pipeline:   decision.NewPipeline(provider, cfg.Decision),
		Arbiter:    arbiter.New(norm),
		Normalizer: norm,
		Risk:       riskEngine,
		Breakers:   risk.NewBreakers(cfg.Risk),
		Store:      store,
		Orders:     orders,
		Journal:    j,
		Alerts:     alerts.NewManager(alerter),
	})
	require.NoError(t, err)

	return &testHarness{
		engine:   eng,
		gw:       gw,
		store:    store,
		registry: registry,
		risk:     riskEngine,
		norm:     norm,
		alerter:  alerter,
		cfg:      cfg,
	}
}

func TestCycleOpensPositionOnLongVerdict(t *testing.T) {
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalLong, confidence: 0.9}, nil)

	h.engine.runCycle()

	pos := h.store.Get("BTCUSDT")
	require.NotNil(t, pos, "a LONG verdict in a NORMAL regime opens a position")
	assert.Equal(t, exchange.SideBuy, pos.Side)
	assert.Equal(t, position.StateMonitoring, pos.State)
	assert.Equal(t, 2, pos.Leverage)
	assert.InDelta(t, 250.0, pos.Margin, 1e-9, "margin is equity * risk fraction")
	assert.InDelta(t, 5.0, pos.Quantity, 1e-9)
	assert.NotZero(t, pos.TPOrderID)
	assert.NotZero(t, pos.SLOrderID)
	assert.Equal(t, []string{"ref-btc-momentum"}, pos.DecisionRefs)
}

func TestCycleHoldsWithoutConsensus(t *testing.T) {
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalHold, confidence: 0.9}, nil)

	h.engine.runCycle()

	assert.Nil(t, h.store.Get("BTCUSDT"))
	assert.Empty(t, h.gw.Placed)
}

func TestCycleSkipsLowConfidenceVerdict(t *testing.T) {
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalLong, confidence: 0.5}, nil)

	h.engine.runCycle()

	assert.Nil(t, h.store.Get("BTCUSDT"), "a verdict under the confidence gate never reaches sizing")
	assert.Empty(t, h.gw.Placed)
}

func TestKillSwitchHaltsEntriesAndAlertsOnce(t *testing.T) {
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalLong, confidence: 0.9}, nil)

	// Daily loss past the cap trips the first kill-switch.
	h.risk.RecordOutcome(-600)

	h.engine.runCycle()
	assert.Nil(t, h.store.Get("BTCUSDT"), "entries halt while the kill-switch stands")

	h.engine.runCycle()
	criticals := h.alerter.bySeverity(alerts.SeverityCritical)
	require.Len(t, criticals, 1, "the halt alert fires once, not every cycle")
	assert.Equal(t, "DAILY_LOSS", criticals[0].Fields["kill_switch"])
}

func TestCycleClosesOnSignalReversal(t *testing.T) {
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalLong, confidence: 0.9}, nil)

	short := &position.Position{
		ID: "pos-1", Symbol: "BTCUSDT", Side: exchange.SideSell,
		State: position.StateMonitoring, Quantity: 0.5, InitialQuantity: 0.5,
		EntryPrice: 102, Leverage: 2, Margin: 25.5,
		TakeProfit: 97.6, StopLoss: 104.2,
		TPOrderID: 11, SLOrderID: 12,
		AgentIDs: []string{"btc-momentum"}, DecisionRefs: []string{"ref-old"},
		OpenedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, h.store.Track(short))
	h.gw.SetPosition(&exchange.Position{Symbol: "BTCUSDT", Side: exchange.SideSell, Quantity: 0.5, EntryPrice: 102, Leverage: 2})

	h.engine.runCycle()

	assert.Nil(t, h.store.Get("BTCUSDT"), "opposing verdict closes the short")
	venuePos, err := h.gw.Position(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, venuePos)

	// The profitable close fed the feedback loop.
	assert.Equal(t, 0, h.risk.ConsecutiveLosses())
	acc, ok := h.norm.Accuracy("btc-momentum")
	require.True(t, ok)
	assert.Equal(t, 1.0, acc)
}

func TestCycleRespectsMaxOpenPositions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MaxOpenPositions = 1
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalLong, confidence: 0.9}, cfg)

	other := &position.Position{
		ID: "pos-eth", Symbol: "ETHUSDT", Side: exchange.SideBuy,
		State: position.StateMonitoring, Quantity: 1, InitialQuantity: 1,
		EntryPrice: 2000, Leverage: 2, Margin: 250,
		OpenedAt: time.Now(),
	}
	require.NoError(t, h.store.Track(other))

	h.engine.runCycle()

	assert.Nil(t, h.store.Get("BTCUSDT"), "position cap blocks the new entry")
}

func TestQuoteSpreadBreakerBlocksEntry(t *testing.T) {
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalLong, confidence: 0.9}, nil)
	h.gw.TickerData["BTCUSDT"] = &exchange.Ticker{Symbol: "BTCUSDT", Bid: 99, Ask: 101}

	h.engine.runCycle()

	assert.Nil(t, h.store.Get("BTCUSDT"), "a blown-out spread pauses entries")
	assert.Empty(t, h.gw.Placed)
}

func TestReconcileFlagsEquityDrift(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.ReconcileEveryCycles = 1
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalHold, confidence: 0.5}, cfg)

	h.engine.runCycle() // sets the baseline
	assert.Empty(t, h.alerter.bySeverity(alerts.SeverityWarning))

	// Wallet moved 3% with no tracked trades.
	h.gw.Account.WalletBalance = 10300

	h.engine.runCycle()
	warnings := h.alerter.bySeverity(alerts.SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "Equity drift", warnings[0].Title)
}

func TestReconcileAcceptsTrackedPnL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.ReconcileEveryCycles = 1
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalHold, confidence: 0.5}, cfg)

	h.engine.runCycle() // baseline at 10000

	// A tracked win explains the wallet move; no drift.
	h.engine.handleClose(&position.Position{
		ID: "pos-1", Symbol: "BTCUSDT", Side: exchange.SideBuy,
		State: position.StateClosed, Margin: 250, RealizedPnL: 300,
		OpenedAt: time.Now().Add(-time.Hour), ClosedAt: time.Now(),
	})
	h.gw.Account.WalletBalance = 10300

	h.engine.runCycle()
	assert.Empty(t, h.alerter.bySeverity(alerts.SeverityWarning))
}

func TestHandleCloseAdjustsAgentWeights(t *testing.T) {
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalHold, confidence: 0.5}, nil)

	agent, ok := h.registry.Get("btc-momentum")
	require.True(t, ok)
	before := agent.FinalWeight()

	h.engine.handleClose(&position.Position{
		ID: "pos-1", Symbol: "BTCUSDT", Side: exchange.SideBuy,
		State: position.StateClosed, Margin: 250, RealizedPnL: -40,
		AgentIDs: []string{"btc-momentum"}, DecisionRefs: []string{"ref-1"},
		OpenedAt: time.Now().Add(-time.Hour), ClosedAt: time.Now(),
	})

	assert.Less(t, agent.FinalWeight(), before, "a loss nudges the weight down")
	assert.Equal(t, 1, h.risk.ConsecutiveLosses())
	acc, ok := h.norm.Accuracy("btc-momentum")
	require.True(t, ok)
	assert.Equal(t, 0.0, acc)
}

func TestHandleCloseIgnoresBreakeven(t *testing.T) {
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalHold, confidence: 0.5}, nil)

	agent, ok := h.registry.Get("btc-momentum")
	require.True(t, ok)
	before := agent.FinalWeight()

	h.engine.handleClose(&position.Position{
		ID: "pos-1", Symbol: "BTCUSDT", Side: exchange.SideBuy,
		State: position.StateClosed, Margin: 250, RealizedPnL: 0,
		AgentIDs: []string{"btc-momentum"}, DecisionRefs: []string{"ref-1"},
		OpenedAt: time.Now().Add(-time.Hour), ClosedAt: time.Now(),
	})

	assert.Equal(t, before, agent.FinalWeight())
	_, ok = h.norm.Accuracy("btc-momentum")
	assert.False(t, ok, "breakeven leaves the accuracy window untouched")
}

func TestPeakEquityPersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalHold, confidence: 0.5}, cfg)

	h.gw.Account.WalletBalance = 12000
	h.engine.runCycle()
	assert.Equal(t, 12000.0, h.engine.peak)

	// Same data dir, fresh engine.
	h2 := newTestEngine(t, &scriptedProvider{signal: decision.SignalHold, confidence: 0.5}, cfg)
	assert.Equal(t, 12000.0, h2.engine.peak)
}

func TestDrawdownKillSwitchUsesRestoredPeak(t *testing.T) {
	cfg := testConfig(t)
	h := newTestEngine(t, &scriptedProvider{signal: decision.SignalLong, confidence: 0.9}, cfg)

	h.gw.Account.WalletBalance = 20000
	h.engine.runCycle() // records the peak; also opens a position

	// Equity collapses past the 25% drawdown limit.
	h.gw.Account.WalletBalance = 14000
	h.engine.runCycle()

	_, halted := h.risk.Halted()
	assert.True(t, halted)
	criticals := h.alerter.bySeverity(alerts.SeverityCritical)
	require.NotEmpty(t, criticals)
	assert.Equal(t, "DRAWDOWN", criticals[0].Fields["kill_switch"])
}
