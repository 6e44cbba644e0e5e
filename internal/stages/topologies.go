package stages

import (
	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/pipeline"
)

// Topology names.
const (
	TopologyChatFast      = "chat_fast"
	TopologyChatAccurate  = "chat_accurate"
	TopologyVoiceFast     = "voice_fast"
	TopologyVoiceAccurate = "voice_accurate"
)

// ChatFast is the low-latency text topology. The guard gates the whole
// generation chain: a policy block skips llm_stream and everything
// conditional downstream, while telemetry still runs.
func ChatFast() pipeline.Definition {
	return pipeline.Definition{
		Name: TopologyChatFast,
		Specs: []pipeline.StageSpec{
			{Name: StageRouter, Kind: pipeline.KindRoute},
			{Name: StageEnrich, Kind: pipeline.KindEnrich},
			{Name: StageGuardInput, Kind: pipeline.KindWork,
				DependsOn: []string{StageRouter}},
			{Name: StageLLMStream, Kind: pipeline.KindTransform, Conditional: true,
				DependsOn: []string{StageGuardInput, StageEnrich}},
			{Name: StageApplyOutput, Kind: pipeline.KindWork, Conditional: true,
				DependsOn: []string{StageLLMStream}},
			{Name: StagePersist, Kind: pipeline.KindWork, Conditional: true,
				DependsOn: []string{StageApplyOutput}},
			{Name: StageTelemetry, Kind: pipeline.KindWork,
				DependsOn: []string{StagePersist}},
		},
	}
}

// ChatAccurate extends the fast chat topology with an assessment pass. The
// router's skip_assessment predicate stays authoritative: a downgraded run
// still skips the pass.
func ChatAccurate() pipeline.Definition {
	return pipeline.Compose(ChatFast(), pipeline.Definition{
		Name: TopologyChatAccurate,
		Specs: []pipeline.StageSpec{
			{Name: StageAssess, Kind: pipeline.KindWork, Conditional: true,
				SkipKey:   "skip_assessment",
				DependsOn: []string{StageRouter, StageLLMStream}},
		},
	})
}

// VoiceFast is the low-latency voice topology. Transcription precedes the
// guard so policy sees the spoken words; synthesize runs in the same stratum
// as llm_stream and consumes its committed spans concurrently.
func VoiceFast() pipeline.Definition {
	return pipeline.Definition{
		Name: TopologyVoiceFast,
		Specs: []pipeline.StageSpec{
			{Name: StageRouter, Kind: pipeline.KindRoute},
			{Name: StageEnrich, Kind: pipeline.KindEnrich},
			{Name: StageTranscribe, Kind: pipeline.KindTransform,
				DependsOn: []string{StageRouter}},
			{Name: StageGuardInput, Kind: pipeline.KindWork,
				DependsOn: []string{StageTranscribe}},
			{Name: StageLLMStream, Kind: pipeline.KindTransform, Conditional: true,
				DependsOn: []string{StageGuardInput, StageEnrich}},
			{Name: StageSynthesize, Kind: pipeline.KindTransform, Conditional: true,
				DependsOn: []string{StageGuardInput, StageEnrich}},
			{Name: StageApplyOutput, Kind: pipeline.KindWork, Conditional: true,
				DependsOn: []string{StageLLMStream, StageSynthesize}},
			{Name: StagePersist, Kind: pipeline.KindWork, Conditional: true,
				DependsOn: []string{StageApplyOutput}},
			{Name: StageTelemetry, Kind: pipeline.KindWork,
				DependsOn: []string{StagePersist}},
		},
	}
}

// VoiceAccurate extends the fast voice topology with the assessment pass.
func VoiceAccurate() pipeline.Definition {
	return pipeline.Compose(VoiceFast(), pipeline.Definition{
		Name: TopologyVoiceAccurate,
		Specs: []pipeline.StageSpec{
			{Name: StageAssess, Kind: pipeline.KindWork, Conditional: true,
				SkipKey:   "skip_assessment",
				DependsOn: []string{StageRouter, StageLLMStream}},
		},
	})
}

// Definitions returns every canonical topology keyed by name.
func Definitions() map[string]pipeline.Definition {
	return map[string]pipeline.Definition{
		TopologyChatFast:      ChatFast(),
		TopologyChatAccurate:  ChatAccurate(),
		TopologyVoiceFast:     VoiceFast(),
		TopologyVoiceAccurate: VoiceAccurate(),
	}
}

// Lookup resolves a topology name, defaulting to chat_fast for an empty name.
func Lookup(name string) (pipeline.Definition, error) {
	if name == "" {
		name = TopologyChatFast
	}
	def, ok := Definitions()[name]
	if !ok {
		return pipeline.Definition{}, fault.New(fault.KindValidation, "stages: unknown topology %q", name)
	}
	return def, nil
}
