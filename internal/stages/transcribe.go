package stages

import (
	"context"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/stream"
	"github.com/voxline/voxline/pkg/provider/stt"
)

// transcribe converts the run's audio to text through the gateway, corrects
// the transcript against the tenant's vocabulary hints, and streams the
// result to the client. Runs only in voice topologies; a run without audio
// skips.
type transcribe struct {
	ports *pipeline.Ports
}

func newTranscribe(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &transcribe{ports: ports}, nil
}

func (t *transcribe) Name() string { return StageTranscribe }

func (t *transcribe) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	snap := sc.Snapshot
	if len(snap.Audio) == 0 {
		return pipeline.Skip("no audio input")
	}
	if sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	var result *stt.Result
	call := gateway.Call{
		Operation: gateway.OpSTTTranscribe,
		Provider:  t.ports.Models.STTProvider,
		Model:     t.ports.Models.STTModel,
	}
	err := gateway.Retry(ctx, t.ports.Retry, func(ctx context.Context) error {
		return t.ports.Gateway.Invoke(ctx, call, func(ctx context.Context) (gateway.Usage, error) {
			var ierr error
			result, ierr = t.ports.STT.Transcribe(ctx, stt.Request{
				Audio:    snap.Audio,
				Format:   snap.AudioFormat,
				Language: snap.Language,
				Model:    t.ports.Models.STTModel,
			})
			return gateway.Usage{}, ierr
		})
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	if sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	text := result.Transcript
	var corrections int
	if t.ports.Transcript != nil && len(snap.Vocabulary) > 0 {
		corrected := t.ports.Transcript.Correct(text, snap.Vocabulary)
		text = corrected.Text
		corrections = len(corrected.Corrections)
	}

	if t.ports.Stream != nil {
		t.ports.Stream.Send(stream.TranscriptFrame(text, result.Confidence, result.DurationMS))
	}
	sc.Events.Emit(ctx, event.TypeChatTranscript, map[string]any{
		"transcript":  excerpt(text),
		"confidence":  result.Confidence,
		"duration_ms": result.DurationMS,
		"corrections": corrections,
	})

	return pipeline.OK(map[string]any{
		"transcript":  text,
		"confidence":  result.Confidence,
		"duration_ms": result.DurationMS,
		"corrections": corrections,
	})
}
