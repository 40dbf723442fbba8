package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

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

// Deps bundles the wired components the engine drives.
type Deps struct {
	Gateway    exchange.Gateway
	Market     *market.Service
	Indicators *indicators.Service
	Classifier *regime.Classifier
	Registry   *agents.Registry
	Pipeline   *decision.Pipeline
	Arbiter    *arbiter.Arbiter
	Normalizer *confidence.Normalizer
	Risk       *risk.Engine
	Breakers   *risk.Breakers
	Store      *position.Store
	Orders     *order.Manager
	Journal    *journal.Journal
	Alerts     *alerts.Manager
}

// Engine runs the decision cycle: market data in, agent votes,
// arbitration, risk gates, orders out. One cycle per interval, never
// overlapping; a cycle that outruns the timeout is abandoned and the
// next tick starts clean.
type Engine struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger

	cycle    uint64
	peak     float64
	peakPath string

	mu                 sync.Mutex
	reconBaseline      float64
	realizedSinceRecon float64
	baselineSet        bool

	haltAlerted bool
	now         func() time.Time
}

// New wires the engine and hooks the outcome feedback path.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: config.NewLogger("engine"),
		now:    time.Now,
	}
	if cfg.Engine.DataDir != "" {
		if err := os.MkdirAll(cfg.Engine.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		e.peakPath = filepath.Join(cfg.Engine.DataDir, "peak.json")
		e.loadPeak()
	}
	deps.Orders.SetOnClose(e.handleClose)
	return e, nil
}

// Run drives cycles until ctx ends. A cycle in flight when shutdown
// arrives runs to completion; resting venue orders are left in place
// so open positions stay protected across restarts.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Dur("interval", e.cfg.Engine.CycleInterval).
		Strs("symbols", e.cfg.Engine.Symbols).
		Msg("Engine started")

	ticker := time.NewTicker(e.cfg.Engine.CycleInterval)
	defer ticker.Stop()

	e.runCycle()
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-ticker.C:
			e.runCycle()
		}
	}
}

// shutdown flushes state; it deliberately cancels nothing on the venue.
func (e *Engine) shutdown() {
	e.logger.Info().Msg("Shutting down, leaving protective orders on the venue")
	if err := e.deps.Registry.Persist(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist agent weights")
	}
	e.persistPeak()
	e.deps.Journal.Flush()
}

// Cycle returns the current cycle number.
func (e *Engine) Cycle() uint64 {
	return e.cycle
}

func (e *Engine) loadPeak() {
	data, err := os.ReadFile(e.peakPath)
	if err != nil {
		return
	}
	var stored struct {
		Peak float64 `json:"peak"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		e.logger.Warn().Err(err).Str("path", e.peakPath).Msg("Ignoring unreadable peak file")
		return
	}
	e.peak = stored.Peak
	e.logger.Info().Float64("peak", e.peak).Msg("Restored equity peak")
}

func (e *Engine) persistPeak() {
	if e.peakPath == "" {
		return
	}
	data, _ := json.Marshal(struct {
		Peak float64 `json:"peak"`
	}{Peak: e.peak})
	if err := os.WriteFile(e.peakPath, data, 0o644); err != nil {
		e.logger.Error().Err(err).Str("path", e.peakPath).Msg("Failed to persist equity peak")
	}
}
