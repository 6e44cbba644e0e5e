package stages

import (
	"context"

	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/policy"
)

// guardInput evaluates the pre_llm checkpoint over the resolved user
// utterance. A block is not an error: the stage returns a skip carrying
// blocked=true, which gates every conditional downstream stage off the run.
type guardInput struct {
	ports *pipeline.Ports
}

func newGuardInput(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &guardInput{ports: ports}, nil
}

func (g *guardInput) Name() string { return StageGuardInput }

func (g *guardInput) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	snap := sc.Snapshot
	text := inputText(sc)

	decision, reason := g.ports.Policies.Evaluate(ctx, policy.PreLLM, policy.Input{
		RunID:       snap.RunID,
		PrincipalID: snap.PrincipalID,
		TenantID:    snap.TenantID,
		Service:     snap.Service,
		Intent:      "generate",
		Excerpt:     excerpt(text),
	})
	if decision == policy.Block {
		return pipeline.Output{
			Status:  pipeline.StatusSkip,
			Reason:  "policy_blocked",
			Results: map[string]any{"blocked": true, "block_reason": reason},
		}
	}

	if sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	return pipeline.OK(map[string]any{
		"input": text,
	})
}
