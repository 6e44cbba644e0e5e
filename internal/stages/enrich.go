package stages

import (
	"context"

	"github.com/voxline/voxline/internal/pipeline"
)

// historyLimit bounds how many prior interactions are loaded per run.
const historyLimit = 20

// enrich loads the session's recent interaction history from storage and
// exposes it as conversation messages. Storage errors degrade the run rather
// than failing it; the LLM then answers without history.
type enrich struct {
	ports *pipeline.Ports
}

func newEnrich(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &enrich{ports: ports}, nil
}

func (e *enrich) Name() string { return StageEnrich }

func (e *enrich) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	snap := sc.Snapshot

	// Snapshot history (supplied with the request) comes first; stored
	// interactions are appended after it, oldest first.
	history := make([]pipeline.Message, 0, len(snap.History)+historyLimit)
	history = append(history, snap.History...)

	if snap.SessionID != "" {
		interactions, err := e.ports.Store.ListInteractions(ctx, snap.SessionID, historyLimit)
		if err != nil {
			return pipeline.Degraded(map[string]any{"history": history}, err)
		}
		for _, it := range interactions {
			history = append(history, pipeline.Message{Role: it.Role, Content: it.Content})
		}
	}

	if sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	return pipeline.OK(map[string]any{
		"history": history,
	})
}
