package decision

import (
	"context"

	"github.com/alphaarena/engine/internal/agents"
)

// Provider produces a raw decision for one agent. Implementations must
// respect ctx cancellation; the pipeline bounds every call with the
// decision timeout.
type Provider interface {
	Decide(ctx context.Context, agent *agents.Agent, mctx *MarketContext) (*Decision, error)
}
