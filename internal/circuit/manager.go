package circuit

import (
	"fmt"
	"sort"
	"sync"
)

// Manager hands out one named breaker per guarded resource, all sharing
// one Config.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// GetBreaker gets or creates the breaker called name.
func (m *Manager) GetBreaker(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, m.config)
	m.breakers[name] = cb
	return cb
}

func (m *Manager) all() []*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ResetAll resets all circuit breakers
func (m *Manager) ResetAll() {
	for _, cb := range m.all() {
		cb.Reset()
	}
}

// CircuitBreakerStats represents statistics for a single circuit breaker
type CircuitBreakerStats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Counts    Counts `json:"counts"`
	Fallbacks uint64 `json:"fallbacks"`
}

// GetStats returns statistics for all circuit breakers
func (m *Manager) GetStats() map[string]CircuitBreakerStats {
	stats := make(map[string]CircuitBreakerStats)
	for _, cb := range m.all() {
		stats[cb.name] = CircuitBreakerStats{
			Name:      cb.name,
			State:     cb.GetState().String(),
			Counts:    cb.GetCounts(),
			Fallbacks: cb.Fallbacks(),
		}
	}
	return stats
}

// HealthCheck reports an error naming every open breaker, in name order.
func (m *Manager) HealthCheck() error {
	var open []string
	for _, cb := range m.all() {
		if cb.GetState() == StateOpen {
			open = append(open, cb.name)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("circuit breakers open: %v", open)
	}
	return nil
}
