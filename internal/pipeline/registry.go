package pipeline

import (
	"sync"

	"github.com/voxline/voxline/internal/fault"
)

// Factory builds a stage instance bound to a run's port bundle. Called once
// per run per stage.
type Factory func(ports *Ports) (Stage, error)

// Registry associates stage names with factories. Registration happens at
// startup; lookups happen per run. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds a factory to a name, replacing any previous binding.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build resolves every stage of the graph against the port bundle. The
// binding happens once per run; the returned map is keyed by stage name.
func (r *Registry) Build(g *Graph, ports *Ports) (map[string]Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stages := make(map[string]Stage, len(g.Stages()))
	for _, name := range g.Stages() {
		spec, _ := g.Spec(name)
		factory, ok := r.factories[spec.Factory()]
		if !ok {
			return nil, fault.New(fault.KindValidation,
				"pipeline %s: stage %q uses unregistered factory %q",
				g.Definition().Name, name, spec.Factory())
		}
		stage, err := factory(ports)
		if err != nil {
			return nil, fault.Wrap(fault.KindPipeline, err,
				"pipeline %s: construct stage %q", g.Definition().Name, name)
		}
		stages[name] = stage
	}
	return stages, nil
}
