package pipeline

import (
	"fmt"

	"github.com/voxline/voxline/internal/fault"
)

// StageSpec declares one stage of a pipeline definition.
type StageSpec struct {
	// Name is the stage's unique name within the pipeline.
	Name string

	// Uses names the registered factory. Empty means the factory named Name.
	Uses string

	// Kind tags the stage.
	Kind Kind

	// DependsOn lists upstream stage names. Every entry must name a stage
	// declared earlier in the definition, which makes the graph acyclic by
	// construction.
	DependsOn []string

	// Conditional permits this stage to be skipped when an upstream stage
	// skipped or when the SkipKey predicate holds.
	Conditional bool

	// SkipKey names a boolean result key on any upstream output; when true
	// the stage is recorded as skipped without being invoked. Only honored
	// for conditional stages.
	SkipKey string
}

// Factory returns the factory name for the spec.
func (s StageSpec) Factory() string {
	if s.Uses != "" {
		return s.Uses
	}
	return s.Name
}

// Definition is an ordered collection of stage specs describing one pipeline
// topology.
type Definition struct {
	// Name is the topology name, e.g. "chat_fast".
	Name string

	// Specs in declaration order.
	Specs []StageSpec
}

// Validate checks that names are unique and every dependency names an
// earlier stage.
func (d Definition) Validate() error {
	seen := map[string]bool{}
	for i, spec := range d.Specs {
		if spec.Name == "" {
			return fault.New(fault.KindValidation, "pipeline %s: spec %d has no name", d.Name, i)
		}
		if seen[spec.Name] {
			return fault.New(fault.KindValidation, "pipeline %s: duplicate stage %q", d.Name, spec.Name)
		}
		for _, dep := range spec.DependsOn {
			if !seen[dep] {
				return fault.New(fault.KindValidation,
					"pipeline %s: stage %q depends on %q which is not declared earlier", d.Name, spec.Name, dep)
			}
		}
		seen[spec.Name] = true
	}
	return nil
}

// Compose merges two definitions: stages in b replace same-named stages of a
// in place (keeping a's position); stages new in b are appended in b's order.
// The result is named after b.
func Compose(a, b Definition) Definition {
	overrides := map[string]StageSpec{}
	for _, spec := range b.Specs {
		overrides[spec.Name] = spec
	}

	out := Definition{Name: b.Name}
	if out.Name == "" {
		out.Name = a.Name
	}

	merged := map[string]bool{}
	for _, spec := range a.Specs {
		if ov, ok := overrides[spec.Name]; ok {
			out.Specs = append(out.Specs, ov)
		} else {
			out.Specs = append(out.Specs, spec)
		}
		merged[spec.Name] = true
	}
	for _, spec := range b.Specs {
		if !merged[spec.Name] {
			out.Specs = append(out.Specs, spec)
		}
	}
	return out
}

// String implements fmt.Stringer for log lines.
func (d Definition) String() string {
	return fmt.Sprintf("%s(%d stages)", d.Name, len(d.Specs))
}
