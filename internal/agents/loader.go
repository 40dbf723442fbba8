package agents

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
)

// Registry holds the loaded agent roster.
type Registry struct {
	mu     sync.RWMutex
	agents []*Agent
	byID   map[string]*Agent
	dir    string
	logger zerolog.Logger
}

// LoadRegistry reads every *.json agent file from dir.
func LoadRegistry(dir string) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]*Agent),
		dir:    dir,
		logger: config.NewLogger("agents"),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read agent file %s: %w", path, err)
		}

		var agent Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return nil, fmt.Errorf("invalid agent file %s: %w", path, err)
		}
		if err := validateAgent(&agent); err != nil {
			return nil, fmt.Errorf("invalid agent %s: %w", path, err)
		}
		if agent.PerformanceMultiplier == 0 {
			agent.PerformanceMultiplier = 1.0
		}
		if _, dup := r.byID[agent.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", agent.ID)
		}

		r.agents = append(r.agents, &agent)
		r.byID[agent.ID] = &agent
	}

	if len(r.agents) == 0 {
		return nil, fmt.Errorf("no agent configs found in %s", dir)
	}

	r.logger.Info().
		Int("agents", len(r.agents)).
		Str("dir", dir).
		Msg("Agent registry loaded")

	return r, nil
}

func validateAgent(a *Agent) error {
	if a.ID == "" {
		return fmt.Errorf("missing id")
	}
	if a.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if a.BaseWeight <= 0 {
		return fmt.Errorf("base_weight must be positive")
	}
	return nil
}

// All returns every agent.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// ForSymbol returns the agents trading one symbol.
func (r *Registry) ForSymbol(symbol string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Symbol == symbol {
			out = append(out, a)
		}
	}
	return out
}

// Get returns an agent by ID.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// Persist writes each agent's current performance multiplier back to
// its JSON file so learning survives restarts.
func (r *Registry) Persist() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		out := struct {
			ID                    string  `json:"id"`
			Symbol                string  `json:"symbol"`
			Style                 string  `json:"style"`
			Persona               string  `json:"persona"`
			BaseWeight            float64 `json:"base_weight"`
			PerformanceMultiplier float64 `json:"performance_multiplier"`
		}{
			ID:                    a.ID,
			Symbol:                a.Symbol,
			Style:                 a.Style,
			Persona:               a.Persona,
			BaseWeight:            a.BaseWeight,
			PerformanceMultiplier: a.snapshotMultiplier(),
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal agent %s: %w", a.ID, err)
		}
		path := filepath.Join(r.dir, a.ID+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to persist agent %s: %w", a.ID, err)
		}
	}
	return nil
}
