package position

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
)

// Store keeps the live positions, enforces lifecycle transitions and
// persists state to disk so a restart can pick up where it left off.
type Store struct {
	logger zerolog.Logger
	path   string

	mu        sync.RWMutex
	positions map[string]*Position // keyed by symbol; one position per symbol
	lastExit  map[string]time.Time // exit attempt debounce
	now       func() time.Time
}

// NewStore creates a position store. When dir is non-empty the store
// loads any persisted state from dir/positions.json.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		logger:    config.NewLogger("positions"),
		positions: make(map[string]*Position),
		lastExit:  make(map[string]time.Time),
		now:       time.Now,
	}
	if dir != "" {
		s.path = filepath.Join(dir, "positions.json")
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns the tracked position for a symbol, or nil.
func (s *Store) Get(symbol string) *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[symbol]
}

// Active returns all non-closed positions, ordered by symbol.
func (s *Store) Active() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.State != StateClosed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Count returns the number of non-closed positions.
func (s *Store) Count() int {
	return len(s.Active())
}

// Track registers a new position. It fails if the symbol already has a
// live one.
func (s *Store) Track(p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.positions[p.Symbol]; ok && existing.State != StateClosed {
		return fmt.Errorf("symbol %s already has a %s position", p.Symbol, existing.State)
	}
	s.positions[p.Symbol] = p
	s.persistLocked()
	return nil
}

// Transition moves a position through its lifecycle, rejecting illegal
// jumps.
func (s *Store) Transition(symbol string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return fmt.Errorf("no tracked position for %s", symbol)
	}
	if !CanTransition(p.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", p.State, to, symbol)
	}
	from := p.State
	p.State = to
	if to == StateClosed {
		p.ClosedAt = s.now()
	}
	s.logger.Info().
		Str("symbol", symbol).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Position state changed")
	s.persistLocked()
	return nil
}

// Update applies fn to the tracked position under the lock and
// persists the result.
func (s *Store) Update(symbol string, fn func(*Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return fmt.Errorf("no tracked position for %s", symbol)
	}
	fn(p)
	s.persistLocked()
	return nil
}

// Forget drops a closed position from the live map.
func (s *Store) Forget(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[symbol]; ok && p.State == StateClosed {
		delete(s.positions, symbol)
		s.persistLocked()
	}
}

// ExitAllowed rate-limits exit attempts per symbol: a second attempt
// within the debounce window is suppressed.
func (s *Store) ExitAllowed(symbol string, debounce time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastExit[symbol]; ok && s.now().Sub(last) < debounce {
		return false
	}
	s.lastExit[symbol] = s.now()
	return true
}

func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	data, err := json.MarshalIndent(s.positions, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode position state")
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to persist position state")
	}
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading position state: %w", err)
	}
	if err := json.Unmarshal(data, &s.positions); err != nil {
		return fmt.Errorf("decoding position state %s: %w", s.path, err)
	}
	for symbol, p := range s.positions {
		if p.State == StateClosed {
			delete(s.positions, symbol)
		}
	}
	if len(s.positions) > 0 {
		s.logger.Info().Int("count", len(s.positions)).Msg("Restored position state from disk")
	}
	return nil
}
