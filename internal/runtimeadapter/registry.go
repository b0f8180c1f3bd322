package runtimeadapter

import (
	"fmt"

	"github.com/digi4care/overstory-sub000/internal/common/logger"
)

// Registry is a name -> adapter lookup. Adapters are stateless, so the
// registry holds one shared instance per variant rather than a factory
// (spec.md §4.2: "exactly one instance per variant may be registered").
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry pre-populated with all four built-in
// runtime variants.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(NewClaudeAdapter(log))
	r.Register(NewCodexAdapter(log))
	r.Register(NewACPAdapter(log))
	r.Register(NewCopilotAdapter(log))
	return r
}

// Register adds or replaces the adapter under its own ID.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ID()] = a
}

// Get looks up an adapter by id.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("runtimeadapter: unknown adapter %q", id)
	}
	return a, nil
}

// IDs lists the registered adapter ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
