package provider

import (
	"sync"
)

// Registry holds one provider per kind and tracks which one is active.
// Selection is explicit via Use; unknown kinds are silently ignored so
// callers can attempt a preferred kind without caring whether it was wired.
type Registry struct {
	mu       sync.RWMutex
	byKind   map[Kind]Provider
	active   Kind
	fallback Kind
}

// NewRegistry creates a registry. The first registered provider becomes
// active until Use selects another.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[Kind]Provider)}
}

// Register adds or replaces the provider for its kind. The first
// registration also sets the active and fallback kinds.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := p.Kind()
	if len(r.byKind) == 0 {
		r.active = kind
		r.fallback = kind
	}
	r.byKind[kind] = p
}

// Use switches the active provider. Unknown kinds are a no-op.
func (r *Registry) Use(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKind[kind]; ok {
		r.active = kind
	}
}

// Active returns the active provider, falling back to the first registered
// provider when the active kind has been removed. Returns nil only when the
// registry is empty.
func (r *Registry) Active() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byKind[r.active]; ok {
		return p
	}
	return r.byKind[r.fallback]
}

// Get returns the provider for a kind, or nil.
func (r *Registry) Get(kind Kind) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKind[kind]
}

// Available returns the kinds currently registered, in a stable order.
func (r *Registry) Available() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order := []Kind{KindStub, KindLocalLLM, KindPeerEdge, KindPeerCoordinator}
	out := make([]Kind, 0, len(r.byKind))
	for _, k := range order {
		if _, ok := r.byKind[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
