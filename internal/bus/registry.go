package bus

import (
	"sort"
	"sync"
)

// Registry tracks the live bus of every running investigation so observers
// can attach by id.
type Registry struct {
	mu    sync.RWMutex
	buses map[string]*Bus
}

func NewRegistry() *Registry {
	return &Registry{buses: make(map[string]*Bus)}
}

// Register adds b under its investigation id, replacing any previous entry.
func (r *Registry) Register(b *Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buses[b.ID()] = b
}

// Get looks up a live bus.
func (r *Registry) Get(id string) (*Bus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buses[id]
	return b, ok
}

// Remove drops id, but only if it still maps to b.
func (r *Registry) Remove(b *Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.buses[b.ID()]; ok && cur == b {
		delete(r.buses, b.ID())
	}
}

// IDs lists registered investigations in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.buses))
	for id := range r.buses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
