package delegate

import "sort"

// Agent describes one registered agent integration.
type Agent struct {
	ID          string
	Name        string
	Description string
}

// Registry is the fixed set of agents allowed to use delegated execution.
// The set is assembled at wiring time and never mutated afterwards; there is
// deliberately no dynamic registration path.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry creates a registry over the given agents.
func NewRegistry(agents ...Agent) *Registry {
	m := make(map[string]Agent, len(agents))
	for _, a := range agents {
		m[a.ID] = a
	}
	return &Registry{agents: m}
}

// Known reports whether the agent id is registered.
func (r *Registry) Known(id string) bool {
	_, ok := r.agents[id]
	return ok
}

// Get returns the agent descriptor.
func (r *Registry) Get(id string) (Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// List returns all registered agents sorted by id.
func (r *Registry) List() []Agent {
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
