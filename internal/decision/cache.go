package decision

import (
	"sync"
)

// Cache reuses recent high-confidence decisions so a slow or flapping
// provider does not stall the cycle. A cached decision is served only
// while its confidence meets the floor and its age stays within the
// cycle budget.
type Cache struct {
	mu            sync.Mutex
	entries       map[string]*Decision // agentID -> latest decision
	minConfidence float64
	maxAgeCycles  uint64
}

// NewCache creates a decision cache.
func NewCache(minConfidence float64, maxAgeCycles int) *Cache {
	if maxAgeCycles <= 0 {
		maxAgeCycles = 4
	}
	return &Cache{
		entries:       make(map[string]*Decision),
		minConfidence: minConfidence,
		maxAgeCycles:  uint64(maxAgeCycles),
	}
}

// Get returns a reusable decision for the agent, or nil.
func (c *Cache) Get(agentID string, currentCycle uint64) *Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[agentID]
	if !ok {
		return nil
	}
	if d.Confidence < c.minConfidence {
		return nil
	}
	if currentCycle < d.Cycle || currentCycle-d.Cycle > c.maxAgeCycles {
		return nil
	}
	cp := *d
	cp.Cached = true
	return &cp
}

// Put stores the latest decision for an agent. HOLDs and unavailable
// decisions are not cached.
func (c *Cache) Put(d *Decision) {
	if d == nil || d.Unavailable || d.Signal == SignalHold {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *d
	c.entries[d.AgentID] = &cp
}
