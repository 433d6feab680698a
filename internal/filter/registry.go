package filter

import (
	"fmt"
	"sync"
)

// Registry is a process-wide, name-keyed set of Factories. It is meant
// to be populated once at startup (Register calls from builtin filter
// packages' init functions) and treated as read-only once workers are
// spawned; the mutex only guards against concurrent Register calls
// during that startup window.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds f under f.Name(), replacing any existing factory of the
// same name.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Name()] = f
}

// Build looks up the factory named cfg.Name and constructs a Filter from
// cfg.Config. Returns ErrFactoryNotFound if no such factory is
// registered.
func (r *Registry) Build(cfg FilterConfig) (Filter, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFactoryNotFound, cfg.Name)
	}

	filt, err := f.Build(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("filter: build %q: %w", cfg.Name, err)
	}

	return filt, nil
}

// BuildChain constructs a FilterChain from an ordered list of configs.
// If any entry fails to build, the entire call fails and no partial
// chain is returned — callers must not mutate a live filter slot until
// BuildChain succeeds.
func (r *Registry) BuildChain(configs []FilterConfig) (FilterChain, error) {
	filters := make([]Filter, 0, len(configs))

	for _, cfg := range configs {
		f, err := r.Build(cfg)
		if err != nil {
			return FilterChain{}, err
		}
		filters = append(filters, f)
	}

	return FilterChain{filters: filters}, nil
}

// Default is the process-wide registry populated by builtin filter
// packages' init functions.
var Default = NewRegistry()
