package stages

import (
	"context"
	"time"

	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/stream"
	"github.com/voxline/voxline/pkg/provider/tts"
)

// synthesize consumes committed text spans from the partial-text side channel
// and converts each one to an audio frame while the LLM is still generating.
// It runs in the same stratum as llm_stream; the channel close by the producer
// is its completion signal. A failed span degrades the run instead of failing
// it; the remaining spans are still consumed so the audio track stays aligned
// with the text.
type synthesize struct {
	ports *pipeline.Ports
}

func newSynthesize(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &synthesize{ports: ports}, nil
}

func (s *synthesize) Name() string { return StageSynthesize }

func (s *synthesize) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	if s.ports.Stream == nil || s.ports.TTS == nil {
		return pipeline.Skip("no audio output channel")
	}

	snap := sc.Snapshot
	voice := s.ports.Models.TTSVoice
	if v, ok := snap.Behavior["voice"].(string); ok && v != "" {
		voice = v
	}
	format := snap.AudioFormat
	if format == "" {
		format = "pcm16"
	}

	var (
		sequence  int
		durMS     int64
		start     = time.Now()
		ttfa      time.Duration
		synthErr  error
		failed    int
		spans     = s.ports.Stream.PartialText.C()
		delivered int
	)

	for {
		var (
			span string
			ok   bool
		)
		select {
		case span, ok = <-spans:
		case <-ctx.Done():
			return pipeline.Skip(pipeline.ReasonCanceled)
		}
		if !ok {
			break
		}
		if sc.Cancel.Canceled() {
			return pipeline.Skip(pipeline.ReasonCanceled)
		}
		if synthErr != nil {
			// Keep draining after a failure so the producer's close is
			// reached, but stop calling the provider.
			failed++
			continue
		}

		result, err := s.synthSpan(ctx, span, voice, format)
		if err != nil {
			synthErr = err
			failed++
			continue
		}
		if ttfa == 0 {
			ttfa = time.Since(start)
		}
		durMS += result.DurationMS
		s.ports.Stream.Send(stream.AudioFrame(result.Audio, result.Format, sequence, false))
		sequence++
		delivered++
	}

	if delivered > 0 {
		// Empty terminator so the client knows the audio track is complete.
		s.ports.Stream.Send(stream.AudioFrame(nil, format, sequence, true))
	}

	results := map[string]any{
		"audio_chunks":           delivered,
		"audio_duration_ms":      durMS,
		"time_to_first_audio_ms": ttfa.Milliseconds(),
	}
	if synthErr != nil {
		results["failed_spans"] = failed
		return pipeline.Degraded(results, synthErr)
	}
	return pipeline.OK(results)
}

// synthSpan converts one text span through the gateway.
func (s *synthesize) synthSpan(ctx context.Context, span, voice, format string) (*tts.Result, error) {
	var result *tts.Result
	call := gateway.Call{
		Operation: gateway.OpTTSSynthesize,
		Provider:  s.ports.Models.TTSProvider,
		Model:     s.ports.Models.TTSModel,
	}
	err := s.ports.Gateway.Invoke(ctx, call, func(ctx context.Context) (gateway.Usage, error) {
		var ierr error
		result, ierr = s.ports.TTS.Synthesize(ctx, tts.Request{
			Text:   span,
			Voice:  voice,
			Format: format,
			Model:  s.ports.Models.TTSModel,
		})
		return gateway.Usage{}, ierr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
