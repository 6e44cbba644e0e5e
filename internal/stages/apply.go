package stages

import (
	"context"
	"encoding/json"

	"github.com/voxline/voxline/internal/applier"
	"github.com/voxline/voxline/internal/pipeline"
)

// applyOutput turns the LLM stage's output into an applier plan and applies
// it: actions through the pre_action checkpoint, artifacts through caps and
// pre_persist. The assistant message itself is persisted later by the persist
// stage.
type applyOutput struct {
	ports *pipeline.Ports
}

func newApplyOutput(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &applyOutput{ports: ports}, nil
}

func (a *applyOutput) Name() string { return StageApplyOutput }

func (a *applyOutput) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	if a.ports.Applier == nil {
		return pipeline.Skip("no applier configured")
	}
	if sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	plan := applier.Plan{
		AssistantMessage: sc.StringResult(StageLLMStream, "content"),
		Actions:          decodeActions(sc),
		Artifacts:        decodeArtifacts(sc),
	}

	res, err := a.ports.Applier.Apply(ctx, plan)
	if err != nil {
		return pipeline.Fail(err)
	}

	return pipeline.OK(map[string]any{
		"accepted_actions":    len(res.AcceptedActions),
		"denied_actions":      res.DeniedActions,
		"persisted_artifacts": res.PersistedArtifacts,
		"rejected_artifacts":  res.RejectedArtifacts,
	})
}

// decodeActions reads structured actions produced by an upstream stage. Both
// the native slice and its JSON round-tripped form are accepted.
func decodeActions(sc *pipeline.StageContext) []applier.Action {
	v, ok := sc.Result(StageLLMStream, "actions")
	if !ok {
		return nil
	}
	switch actions := v.(type) {
	case []applier.Action:
		return actions
	case []any:
		out := make([]applier.Action, 0, len(actions))
		for _, raw := range actions {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			if name == "" {
				continue
			}
			args, _ := m["args"].(map[string]any)
			out = append(out, applier.Action{Name: name, Args: args})
		}
		return out
	}
	return nil
}

// decodeArtifacts reads structured artifacts produced by an upstream stage.
func decodeArtifacts(sc *pipeline.StageContext) []applier.ArtifactInput {
	v, ok := sc.Result(StageLLMStream, "artifacts")
	if !ok {
		return nil
	}
	switch artifacts := v.(type) {
	case []applier.ArtifactInput:
		return artifacts
	case []any:
		out := make([]applier.ArtifactInput, 0, len(artifacts))
		for _, raw := range artifacts {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			kind, _ := m["kind"].(string)
			name, _ := m["name"].(string)
			var payload []byte
			switch p := m["payload"].(type) {
			case []byte:
				payload = p
			case string:
				payload = []byte(p)
			default:
				if p != nil {
					payload, _ = json.Marshal(p)
				}
			}
			out = append(out, applier.ArtifactInput{Kind: kind, Name: name, Payload: payload})
		}
		return out
	}
	return nil
}
