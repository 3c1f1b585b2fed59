package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/provider"
)

// Registry hands out one breaker per provider name, so providers rebuilt per
// campaign still share failure state.
type Registry struct {
	mu       sync.Mutex
	template Config
	logger   *zap.Logger
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry whose breakers use cfg with the provider
// name filled in. State changes are exported as metrics.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		template: cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.template
	cfg.Name = name
	next := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		metrics.SetBreakerState(name, int(to))
		if next != nil {
			next(name, from, to)
		}
	}

	cb := New(cfg, r.logger)
	metrics.SetBreakerState(name, int(StateClosed))
	r.breakers[name] = cb
	return cb
}

// Wrap protects p with the breaker registered under its name.
func (r *Registry) Wrap(p provider.Provider) provider.Provider {
	return NewProtectedProvider(p, r.Get(p.Name()), r.logger)
}

// Stats returns a snapshot of every registered breaker, ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the named breaker. It reports false when no breaker has that
// name.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return false
	}
	cb.Reset()
	return true
}
