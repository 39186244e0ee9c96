package breaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Manager is a per-service registry of circuit breakers, created lazily on
// first use with a shared default configuration (per-service overrides are
// supported via GetOrCreateWithConfig).
type Manager struct {
	defaultCfg Config
	stateGauge *prometheus.GaugeVec

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewManager(defaultCfg Config, registerer prometheus.Registerer) *Manager {
	m := &Manager{
		defaultCfg: defaultCfg,
		breakers:   make(map[string]*CircuitBreaker),
		stateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=half_open, 2=open).",
		}, []string{"service"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.stateGauge)
	}
	return m
}

// GetOrCreate returns the breaker for service, creating one with the
// manager's default config if absent.
func (m *Manager) GetOrCreate(service string) *CircuitBreaker {
	return m.GetOrCreateWithConfig(service, m.defaultCfg)
}

// GetOrCreateWithConfig returns the breaker for service, creating one with
// cfg if absent. An already-registered breaker is returned unchanged.
func (m *Manager) GetOrCreateWithConfig(service string, cfg Config) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[service]; ok {
		return cb
	}
	cb = NewCircuitBreakerWithConfig(service, cfg, m.stateGauge)
	m.breakers[service] = cb
	return cb
}

// Get returns the breaker for service if one has been created, or nil.
func (m *Manager) Get(service string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[service]
	return cb, ok
}

// States returns the current state of every registered breaker, keyed by
// service name.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.GetState()
	}
	return out
}

// OpenCount returns how many registered breakers are currently OPEN.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, cb := range m.breakers {
		if cb.GetState() == StateOpen {
			n++
		}
	}
	return n
}
