package breaker

import (
	"context"
	"sync"
)

// Group manages one circuit breaker per protected key, created lazily on
// first use and sharing a single configuration. Breakers persist for the
// group lifetime.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	options  []Option
}

// NewGroup creates a breaker group. The options are applied to every breaker
// the group creates; WithName is set per key and should not be passed here.
func NewGroup(options ...Option) *Group {
	return &Group{
		breakers: make(map[string]*CircuitBreaker),
		options:  options,
	}
}

// Get returns the breaker for key, creating it on first use
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok = g.breakers[key]; ok {
		return cb
	}

	opts := append([]Option{}, g.options...)
	opts = append(opts, WithName(key))
	cb = New(opts...)
	cb.Start()
	g.breakers[key] = cb
	return cb
}

// Execute routes a call through the breaker for key
func (g *Group) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return g.Get(key).Execute(ctx, fn)
}

// Reset resets the breaker for key, if it exists
func (g *Group) Reset(key string) {
	g.mu.RLock()
	cb, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		cb.Reset()
	}
}

// States returns the current state of every breaker in the group
func (g *Group) States() map[string]State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	states := make(map[string]State, len(g.breakers))
	for key, cb := range g.breakers {
		states[key] = cb.State()
	}
	return states
}

// Stop tears down background loops on all breakers
func (g *Group) Stop() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, cb := range g.breakers {
		cb.Stop()
	}
}
