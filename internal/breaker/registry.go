package breaker

import (
	"fmt"
	"sort"
	"sync"
)

// Names of the dependencies guarded by default.
const (
	Embedding   = "embedding"
	VectorStore = "vectorstore"
	Generation  = "generation"
)

// Registry holds one breaker per named dependency.
type Registry struct {
	mu       sync.RWMutex
	defaults Settings
	breakers map[string]*Breaker
}

// NewRegistry builds a registry with a breaker for each name, all using the
// default settings.
func NewRegistry(defaults Settings, names ...string) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("breaker defaults: %w", err)
	}
	r := &Registry{defaults: defaults, breakers: make(map[string]*Breaker)}
	for _, name := range names {
		if _, err := r.Register(name, defaults); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register installs a breaker with its own settings, replacing any existing
// breaker of the same name.
func (r *Registry) Register(name string, s Settings) (*Breaker, error) {
	if s.OnStateChange == nil {
		s.OnStateChange = r.defaults.OnStateChange
	}
	b, err := New(name, s)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.breakers[name] = b
	r.mu.Unlock()
	return b, nil
}

// Get returns the named breaker, creating it with default settings on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	// defaults were validated in NewRegistry
	b, _ = New(name, r.defaults)
	r.breakers[name] = b
	return b
}

// Lookup returns the named breaker without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Stats returns a snapshot of every breaker ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
