package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/exchange"
)

func ordersConfig() config.OrderConfig {
	return config.OrderConfig{
		SameSideCooldown:  900 * time.Second,
		ReversalCooldown:  600 * time.Second,
		DuplicateDebounce: 2500 * time.Millisecond,
		ExitDebounce:      5 * time.Second,
	}
}

func newLong(symbol string) *Position {
	return &Position{
		ID:              "pos-1",
		Symbol:          symbol,
		Side:            exchange.SideBuy,
		State:           StateOpen,
		Quantity:        0.02,
		InitialQuantity: 0.02,
		EntryPrice:      50000,
		Leverage:        2,
		Margin:          500,
		OpenedAt:        time.Now(),
	}
}

func TestLifecycleTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateOpen, StateMonitoring))
	assert.True(t, CanTransition(StateOpen, StateClosing), "safety close")
	assert.True(t, CanTransition(StateMonitoring, StateClosing))
	assert.True(t, CanTransition(StateClosing, StateClosed))

	assert.False(t, CanTransition(StateMonitoring, StateOpen))
	assert.False(t, CanTransition(StateClosed, StateOpen))
	assert.False(t, CanTransition(StateOpen, StateClosed), "must pass through CLOSING")
}

func TestROIAndPnL(t *testing.T) {
	p := newLong("BTCUSDT")

	// +1% price move on 2x leverage is +2% ROI on margin.
	assert.InDelta(t, 10.0, p.UnrealizedPnL(50500), 1e-9) // 500 * 0.02
	assert.InDelta(t, 0.02, p.ROI(50500), 1e-9)

	short := newLong("BTCUSDT")
	short.Side = exchange.SideSell
	assert.InDelta(t, 10.0, short.UnrealizedPnL(49500), 1e-9)
	assert.InDelta(t, -0.02, short.ROI(50500), 1e-9)
}

func TestValidGeometry(t *testing.T) {
	assert.True(t, ValidGeometry(exchange.SideBuy, 100, 105, 97))
	assert.False(t, ValidGeometry(exchange.SideBuy, 100, 97, 105), "inverted long")
	assert.False(t, ValidGeometry(exchange.SideBuy, 100, 105, 0), "zero stop")

	assert.True(t, ValidGeometry(exchange.SideSell, 100, 95, 103))
	assert.False(t, ValidGeometry(exchange.SideSell, 100, 103, 95), "inverted short")
}

func TestTPSLHashStableUnderTickNoise(t *testing.T) {
	a := TPSLHash("BTCUSDT", exchange.SideBuy, 50500.004, 49000.003, 0.01)
	b := TPSLHash("BTCUSDT", exchange.SideBuy, 50500.001, 49000.001, 0.01)
	assert.Equal(t, a, b, "sub-tick noise rounds away")

	c := TPSLHash("BTCUSDT", exchange.SideBuy, 50501, 49000, 0.01)
	assert.NotEqual(t, a, c)

	d := TPSLHash("BTCUSDT", exchange.SideSell, 50500, 49000, 0.01)
	assert.NotEqual(t, a, d, "side is part of the fingerprint")
}

func TestStoreTrackAndTransition(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)

	require.NoError(t, s.Track(newLong("BTCUSDT")))
	assert.Error(t, s.Track(newLong("BTCUSDT")), "one live position per symbol")
	assert.Equal(t, 1, s.Count())

	require.NoError(t, s.Transition("BTCUSDT", StateMonitoring))
	assert.Error(t, s.Transition("BTCUSDT", StateMonitoring), "illegal repeat")
	require.NoError(t, s.Transition("BTCUSDT", StateClosing))
	require.NoError(t, s.Transition("BTCUSDT", StateClosed))
	assert.False(t, s.Get("BTCUSDT").ClosedAt.IsZero())

	// Closed position no longer blocks a new one.
	s.Forget("BTCUSDT")
	require.NoError(t, s.Track(newLong("BTCUSDT")))
}

func TestStorePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Track(newLong("BTCUSDT")))
	require.NoError(t, s.Update("BTCUSDT", func(p *Position) {
		p.TakeProfit = 51000
		p.StopLoss = 49500
	}))

	restored, err := NewStore(dir)
	require.NoError(t, err)
	p := restored.Get("BTCUSDT")
	require.NotNil(t, p)
	assert.Equal(t, StateOpen, p.State)
	assert.InDelta(t, 51000.0, p.TakeProfit, 1e-9)
}

func TestStoreDropsClosedOnLoad(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Track(newLong("BTCUSDT")))
	require.NoError(t, s.Transition("BTCUSDT", StateClosing))
	require.NoError(t, s.Transition("BTCUSDT", StateClosed))

	restored, err := NewStore(dir)
	require.NoError(t, err)
	assert.Nil(t, restored.Get("BTCUSDT"))
}

func TestExitDebounce(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.True(t, s.ExitAllowed("BTCUSDT", 5*time.Second))
	assert.False(t, s.ExitAllowed("BTCUSDT", 5*time.Second))

	now = now.Add(6 * time.Second)
	assert.True(t, s.ExitAllowed("BTCUSDT", 5*time.Second))
}

func TestGuardDuplicateDebounce(t *testing.T) {
	g := NewGuard(ordersConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	ok, _ := g.CanEnter("BTCUSDT", exchange.SideBuy)
	require.True(t, ok)
	g.RecordAttempt("BTCUSDT", exchange.SideBuy)

	ok, reason := g.CanEnter("BTCUSDT", exchange.SideBuy)
	assert.False(t, ok)
	assert.Contains(t, reason, "duplicate")

	// Opposite side is not a duplicate.
	ok, _ = g.CanEnter("BTCUSDT", exchange.SideSell)
	assert.True(t, ok)

	now = now.Add(3 * time.Second)
	ok, _ = g.CanEnter("BTCUSDT", exchange.SideBuy)
	assert.True(t, ok)
}

func TestGuardCooldowns(t *testing.T) {
	g := NewGuard(ordersConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	g.RecordClose("BTCUSDT", exchange.SideBuy)

	ok, reason := g.CanEnter("BTCUSDT", exchange.SideBuy)
	assert.False(t, ok)
	assert.Contains(t, reason, "cooldown")

	// Reversal cooldown is shorter: blocked at 9 minutes, open at 11.
	now = now.Add(9 * time.Minute)
	ok, _ = g.CanEnter("BTCUSDT", exchange.SideSell)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = g.CanEnter("BTCUSDT", exchange.SideSell)
	assert.True(t, ok)

	// Same side still cooling down at 11 minutes, open after 15.
	ok, _ = g.CanEnter("BTCUSDT", exchange.SideBuy)
	assert.False(t, ok)
	now = now.Add(5 * time.Minute)
	ok, _ = g.CanEnter("BTCUSDT", exchange.SideBuy)
	assert.True(t, ok)
}

func TestGuardSymbolLock(t *testing.T) {
	g := NewGuard(ordersConfig())
	require.True(t, g.TryLock("BTCUSDT"))
	assert.False(t, g.TryLock("BTCUSDT"))
	assert.True(t, g.TryLock("ETHUSDT"), "locks are per symbol")
	g.Unlock("BTCUSDT")
	assert.True(t, g.TryLock("BTCUSDT"))
}
