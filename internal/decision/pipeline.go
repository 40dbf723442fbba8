package decision

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alphaarena/engine/internal/agents"
	"github.com/alphaarena/engine/internal/config"
)

// Pipeline runs one agent's decision with caching and the hard
// per-decision timeout. A provider failure or timeout degrades to a
// HOLD vote rather than failing the cycle.
type Pipeline struct {
	provider Provider
	cache    *Cache
	timeout  time.Duration
}

// NewPipeline creates the decision pipeline.
func NewPipeline(provider Provider, cfg config.DecisionConfig) *Pipeline {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Pipeline{
		provider: provider,
		cache:    NewCache(cfg.CacheMinConfidence, cfg.CacheMaxAgeCycles),
		timeout:  timeout,
	}
}

// Decide produces the agent's vote for this cycle. Cache hits skip the
// provider entirely.
func (p *Pipeline) Decide(ctx context.Context, agent *agents.Agent, mctx *MarketContext, cycle uint64) *Decision {
	logger := config.NewAgentLogger(agent.ID, mctx.Symbol)

	if cached := p.cache.Get(agent.ID, cycle); cached != nil {
		logger.Debug().
			Str("signal", string(cached.Signal)).
			Uint64("decision_cycle", cached.Cycle).
			Msg("Reusing cached decision")
		return cached
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	d, err := p.provider.Decide(callCtx, agent, mctx)
	if err != nil {
		logger.Warn().
			Err(err).
			Msg("Decision unavailable, holding")
		return &Decision{
			Ref:         uuid.NewString(),
			AgentID:     agent.ID,
			Symbol:      mctx.Symbol,
			Signal:      SignalHold,
			Confidence:  0,
			Rationale:   "decision unavailable",
			Cycle:       cycle,
			Time:        time.Now(),
			Unavailable: true,
		}
	}

	d.Cycle = cycle
	if d.Ref == "" {
		d.Ref = uuid.NewString()
	}
	p.cache.Put(d)
	return d
}
