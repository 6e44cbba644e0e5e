package pipeline

import (
	"github.com/voxline/voxline/internal/fault"
)

// Graph is the validated stage graph of one pipeline definition: per-stage
// predecessors and successors plus a topological stratification. Stages
// within one stratum have no edges between them and may run concurrently.
type Graph struct {
	def    Definition
	byName map[string]StageSpec

	successors map[string][]string
	strata     [][]string
}

// NewGraph validates the definition and derives the stratification. The
// stratum of a stage is one past the deepest stratum among its dependencies.
func NewGraph(def Definition) (*Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if len(def.Specs) == 0 {
		return nil, fault.New(fault.KindValidation, "pipeline %s: no stages", def.Name)
	}

	g := &Graph{
		def:        def,
		byName:     make(map[string]StageSpec, len(def.Specs)),
		successors: map[string][]string{},
	}

	level := map[string]int{}
	depth := 0
	for _, spec := range def.Specs {
		g.byName[spec.Name] = spec

		lv := 0
		for _, dep := range spec.DependsOn {
			g.successors[dep] = append(g.successors[dep], spec.Name)
			if l := level[dep] + 1; l > lv {
				lv = l
			}
		}
		level[spec.Name] = lv
		if lv+1 > depth {
			depth = lv + 1
		}
	}

	g.strata = make([][]string, depth)
	for _, spec := range def.Specs {
		lv := level[spec.Name]
		g.strata[lv] = append(g.strata[lv], spec.Name)
	}

	return g, nil
}

// Definition returns the underlying definition.
func (g *Graph) Definition() Definition { return g.def }

// Spec returns the spec for a stage name.
func (g *Graph) Spec(name string) (StageSpec, bool) {
	s, ok := g.byName[name]
	return s, ok
}

// Strata returns the execution levels, each a slice of stage names whose
// predecessors all live in earlier levels.
func (g *Graph) Strata() [][]string { return g.strata }

// Successors returns the stages that directly depend on name.
func (g *Graph) Successors(name string) []string { return g.successors[name] }

// Stages returns all stage names in declaration order.
func (g *Graph) Stages() []string {
	names := make([]string, len(g.def.Specs))
	for i, spec := range g.def.Specs {
		names[i] = spec.Name
	}
	return names
}
