package stages

import (
	"context"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/storage"
)

// persist writes the turn's two interaction rows: the user utterance and the
// assistant reply. Writes go through the run's DB lock so they never interleave
// with the applier's artifact writes on the same run.
type persist struct {
	ports *pipeline.Ports
}

func newPersist(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &persist{ports: ports}, nil
}

func (p *persist) Name() string { return StagePersist }

func (p *persist) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	if sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	snap := sc.Snapshot
	userText := inputText(sc)
	assistantText := sc.StringResult(StageLLMStream, "content")
	if userText == "" && assistantText == "" {
		return pipeline.Skip("nothing to persist")
	}

	var rows int
	if userText != "" {
		if err := p.write(ctx, snap, "user", userText); err != nil {
			return pipeline.Fail(err)
		}
		rows++
	}
	if assistantText != "" {
		if err := p.write(ctx, snap, "assistant", assistantText); err != nil {
			return pipeline.Fail(err)
		}
		rows++
	}

	return pipeline.OK(map[string]any{
		"interactions": rows,
	})
}

func (p *persist) write(ctx context.Context, snap *pipeline.Snapshot, role, content string) error {
	row := &storage.Interaction{
		ID:          uuid.NewString(),
		RunID:       snap.RunID,
		SessionID:   snap.SessionID,
		PrincipalID: snap.PrincipalID,
		TenantID:    snap.TenantID,
		Role:        role,
		Content:     content,
	}
	if p.ports.DBLock != nil {
		p.ports.DBLock.Lock()
		defer p.ports.DBLock.Unlock()
	}
	return p.ports.Store.ApplyOutput(ctx, row, nil)
}
