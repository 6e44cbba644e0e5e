// Package stages implements the concrete pipeline stages Voxline assembles
// into its canonical topologies: routing, context enrichment, transcription,
// input guarding, LLM streaming, incremental synthesis, output application,
// persistence, assessment, and telemetry.
//
// Every stage follows the same shape: a small struct holding the run's port
// bundle, built by a factory registered in [RegisterAll], executing against
// the immutable snapshot and upstream outputs. Stages re-check the
// cancellation probe after every suspension point and return a skip with
// reason "canceled" when it fires.
package stages

import (
	"github.com/voxline/voxline/internal/pipeline"
)

// Registered stage names.
const (
	StageRouter      = "router"
	StageEnrich      = "enrich_context"
	StageTranscribe  = "transcribe"
	StageGuardInput  = "guard_input"
	StageLLMStream   = "llm_stream"
	StageSynthesize  = "synthesize"
	StageApplyOutput = "apply_output"
	StagePersist     = "persist"
	StageAssess      = "assess"
	StageTelemetry   = "telemetry"
)

// RegisterAll binds every stage factory into the registry. Called once at
// startup.
func RegisterAll(reg *pipeline.Registry) {
	reg.Register(StageRouter, newRouter)
	reg.Register(StageEnrich, newEnrich)
	reg.Register(StageTranscribe, newTranscribe)
	reg.Register(StageGuardInput, newGuardInput)
	reg.Register(StageLLMStream, newLLMStream)
	reg.Register(StageSynthesize, newSynthesize)
	reg.Register(StageApplyOutput, newApplyOutput)
	reg.Register(StagePersist, newPersist)
	reg.Register(StageAssess, newAssess)
	reg.Register(StageTelemetry, newTelemetry)
}

// inputText resolves the user utterance for a run: the corrected transcript
// when a transcribe stage ran, the raw request text otherwise.
func inputText(sc *pipeline.StageContext) string {
	if t := sc.StringResult(StageTranscribe, "transcript"); t != "" {
		return t
	}
	return sc.Snapshot.InputText
}

// excerpt truncates s for policy inputs and event payloads.
func excerpt(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max]
}
