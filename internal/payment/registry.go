package payment

import (
	"sort"
	"sync"
)

type registration struct {
	provider Provider
	secret   string
}

// Registry maps provider names to their implementation and shared secret.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds or replaces a provider. An empty secret keeps the provider
// routable while every notification fails verification.
func (r *Registry) Register(p Provider, secret string) {
	if r == nil || p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeName(p.Name())] = registration{provider: p, secret: secret}
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, string, bool) {
	if r == nil {
		return nil, "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[normalizeName(name)]
	if !ok {
		return nil, "", false
	}
	return reg.provider, reg.secret, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, _, ok := r.Lookup(name)
	return ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
