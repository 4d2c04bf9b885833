package bot

import (
	"sync"
	"time"

	"crypto-trade-bot-go/internal/models"
)

// SignalInfo is the last observed signal for a symbol.
type SignalInfo struct {
	Signal     string    `json:"signal"`
	Confidence float64   `json:"confidence"`
	Price      float64   `json:"price"`
	Executed   bool      `json:"executed"`
	ObservedAt time.Time `json:"observed_at"`
}

// Snapshot is one consistent view of the engine state.
type Snapshot struct {
	Prices      map[string]float64        `json:"prices"`
	Balances    map[string]float64        `json:"balances"`
	Positions   map[string]float64        `json:"positions"`
	LastSignals map[string]SignalInfo     `json:"last_signals"`
	Portfolio   *models.PortfolioSnapshot `json:"portfolio,omitempty"`
	LastCycleAt time.Time                 `json:"last_cycle_at"`
	CycleCount  uint64                    `json:"cycle_count"`
}

// State is the shared view of the engine written once per cycle and read by
// the API server. Readers always get a deep copy, never a half-updated cycle.
type State struct {
	mu   sync.RWMutex
	data Snapshot
}

// NewState creates an empty state.
func NewState() *State {
	return &State{
		data: Snapshot{
			Prices:      make(map[string]float64),
			Balances:    make(map[string]float64),
			Positions:   make(map[string]float64),
			LastSignals: make(map[string]SignalInfo),
		},
	}
}

// Update replaces the state in one step.
func (s *State) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Snapshot{
		Prices:      make(map[string]float64, len(s.data.Prices)),
		Balances:    make(map[string]float64, len(s.data.Balances)),
		Positions:   make(map[string]float64, len(s.data.Positions)),
		LastSignals: make(map[string]SignalInfo, len(s.data.LastSignals)),
		LastCycleAt: s.data.LastCycleAt,
		CycleCount:  s.data.CycleCount,
	}
	for k, v := range s.data.Prices {
		out.Prices[k] = v
	}
	for k, v := range s.data.Balances {
		out.Balances[k] = v
	}
	for k, v := range s.data.Positions {
		out.Positions[k] = v
	}
	for k, v := range s.data.LastSignals {
		out.LastSignals[k] = v
	}
	if s.data.Portfolio != nil {
		copied := *s.data.Portfolio
		out.Portfolio = &copied
	}
	return out
}
