package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/policy"
	"github.com/voxline/voxline/internal/storage"
	"github.com/voxline/voxline/pkg/provider/llm"
	"github.com/voxline/voxline/pkg/provider/stt"
)

func TestAllTopologiesBuildValidGraphs(t *testing.T) {
	t.Parallel()

	for name, def := range Definitions() {
		g, err := pipeline.NewGraph(def)
		if err != nil {
			t.Fatalf("topology %s: NewGraph() error = %v", name, err)
		}
		if len(g.Strata()) == 0 {
			t.Errorf("topology %s: no strata", name)
		}
	}
}

func TestVoiceTopologyRunsSynthesisBesideGeneration(t *testing.T) {
	t.Parallel()

	g, err := pipeline.NewGraph(VoiceFast())
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}

	stratumOf := map[string]int{}
	for i, stratum := range g.Strata() {
		for _, name := range stratum {
			stratumOf[name] = i
		}
	}
	if stratumOf[StageLLMStream] != stratumOf[StageSynthesize] {
		t.Errorf("llm_stream stratum %d != synthesize stratum %d; they must run concurrently",
			stratumOf[StageLLMStream], stratumOf[StageSynthesize])
	}
	if stratumOf[StageTranscribe] >= stratumOf[StageGuardInput] {
		t.Errorf("transcribe must precede guard_input")
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	def, err := Lookup("")
	if err != nil || def.Name != TopologyChatFast {
		t.Errorf("Lookup(\"\") = %v, %v; want chat_fast", def.Name, err)
	}
	if _, err := Lookup("chat_turbo"); err == nil {
		t.Error("Lookup(chat_turbo) succeeded, want error")
	}
}

func TestChatFastHappyPath(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	llmc := &fakeLLM{chunks: []llm.Chunk{
		{Token: "It"},
		{Token: " is"},
		{Token: " sunny."},
		{Token: " Bring shades."},
		{FinishReason: "stop", TokensIn: 42, TokensOut: 9},
	}}
	env := newStageEnv(t, snap, llmc, nil, nil)

	res := env.runTopology(t, ChatFast())
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed (stage %s, err %v)", res.Status, res.FailedStage, res.Err)
	}

	out := res.Outputs[StageLLMStream]
	if got := out.Results["content"].(string); got != "It is sunny. Bring shades." {
		t.Errorf("content = %q", got)
	}
	if got := out.Results["tokens_out"].(int); got != 9 {
		t.Errorf("tokens_out = %d, want 9", got)
	}

	// Both turn rows land: the user utterance and the assistant reply.
	interactions, _ := env.store.ListInteractions(context.Background(), snap.SessionID, 10)
	if len(interactions) != 2 {
		t.Fatalf("got %d interactions, want 2", len(interactions))
	}
	if interactions[0].Role != "user" || interactions[1].Role != "assistant" {
		t.Errorf("interaction roles = %s, %s", interactions[0].Role, interactions[1].Role)
	}

	types := env.events(t, snap.RunID)
	if countType(types, event.TypeChatToken) != 4 {
		t.Errorf("chat.token events = %d, want 4", countType(types, event.TypeChatToken))
	}
	if countType(types, event.TypeProviderCallSucceeded) != 1 {
		t.Errorf("provider.call.succeeded events = %d, want 1", countType(types, event.TypeProviderCallSucceeded))
	}
}

func TestChatFastPolicyBlockGatesGeneration(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	env := newStageEnv(t, snap, &fakeLLM{}, nil, nil)
	env.policies.Register(policy.PreLLM, policy.Func{
		PolicyName: "deny_all",
		Fn: func(_ context.Context, _ policy.Checkpoint, _ policy.Input) (policy.Decision, string) {
			return policy.Block, "tenant suspended"
		},
	})

	res := env.runTopology(t, ChatFast())
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed (a block is not a failure)", res.Status)
	}

	guard := res.Outputs[StageGuardInput]
	if guard.Status != pipeline.StatusSkip || guard.Reason != "policy_blocked" {
		t.Fatalf("guard output = %+v, want skip/policy_blocked", guard)
	}
	for _, name := range []string{StageLLMStream, StageApplyOutput, StagePersist} {
		if out := res.Outputs[name]; out.Status != pipeline.StatusSkip || out.Reason != pipeline.ReasonUpstreamSkip {
			t.Errorf("%s output = %+v, want skip/upstream_skip", name, out)
		}
	}
	// Telemetry is unconditional and still runs on a blocked run.
	if out := res.Outputs[StageTelemetry]; out.Status != pipeline.StatusOK {
		t.Errorf("telemetry output = %+v, want ok", out)
	}

	interactions, _ := env.store.ListInteractions(context.Background(), snap.SessionID, 10)
	if len(interactions) != 0 {
		t.Errorf("got %d interactions on a blocked run, want 0", len(interactions))
	}

	types := env.events(t, snap.RunID)
	if countType(types, event.TypePolicyBlocked) != 1 {
		t.Errorf("policy.blocked events = %d, want 1", countType(types, event.TypePolicyBlocked))
	}
	if countType(types, event.TypeChatToken) != 0 {
		t.Errorf("chat.token events = %d, want 0", countType(types, event.TypeChatToken))
	}
}

func TestChatFastMidStreamFailureFailsRun(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	llmc := &fakeLLM{chunks: []llm.Chunk{
		{Token: "Part"},
		{Err: errors.New("connection reset mid-stream")},
	}}
	env := newStageEnv(t, snap, llmc, nil, nil)

	res := env.runTopology(t, ChatFast())
	if res.Status != storage.RunStatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.FailedStage != StageLLMStream {
		t.Errorf("FailedStage = %q, want llm_stream", res.FailedStage)
	}

	// Nothing downstream of the failure ran.
	if _, ran := res.Outputs[StagePersist]; ran {
		t.Error("persist produced an output after llm_stream failed")
	}
	interactions, _ := env.store.ListInteractions(context.Background(), snap.SessionID, 10)
	if len(interactions) != 0 {
		t.Errorf("got %d interactions on a failed run, want 0", len(interactions))
	}

	types := env.events(t, snap.RunID)
	if countType(types, event.TypeProviderCallFailed) != 1 {
		t.Errorf("provider.call.failed events = %d, want 1", countType(types, event.TypeProviderCallFailed))
	}
	if countType(types, event.TypeStageFailed) != 1 {
		t.Errorf("stage.failed events = %d, want 1", countType(types, event.TypeStageFailed))
	}
}

func TestChatAccurateRunsAssessment(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	snap.Mode = "accurate"
	snap.Topology = TopologyChatAccurate
	llmc := &fakeLLM{
		chunks: []llm.Chunk{
			{Token: "Paris."},
			{FinishReason: "stop", TokensIn: 10, TokensOut: 2},
		},
		generated: &llm.Result{
			Content:   `{"score": 0.9, "issues": []}`,
			TokensIn:  60,
			TokensOut: 12,
		},
	}
	env := newStageEnv(t, snap, llmc, nil, nil)

	res := env.runTopology(t, ChatAccurate())
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed (stage %s, err %v)", res.Status, res.FailedStage, res.Err)
	}

	out := res.Outputs[StageAssess]
	if out.Status != pipeline.StatusOK {
		t.Fatalf("assess output = %+v, want ok", out)
	}
	if got := out.Results["score"].(float64); got != 0.9 {
		t.Errorf("score = %v, want 0.9", got)
	}

	// The assessment lands as a run artifact.
	artifacts, _ := env.store.ListArtifacts(context.Background(), snap.RunID)
	if len(artifacts) != 1 || artifacts[0].Kind != "assessment" {
		t.Fatalf("artifacts = %+v, want one assessment", artifacts)
	}
}

func TestChatAccurateSkipsAssessmentInFastMode(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	snap.Topology = TopologyChatAccurate
	llmc := &fakeLLM{chunks: []llm.Chunk{
		{Token: "Done."},
		{FinishReason: "stop"},
	}}
	env := newStageEnv(t, snap, llmc, nil, nil)

	res := env.runTopology(t, ChatAccurate())
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed", res.Status)
	}
	out := res.Outputs[StageAssess]
	if out.Status != pipeline.StatusSkip || out.Reason != pipeline.ReasonPredicate {
		t.Errorf("assess output = %+v, want skip/predicate", out)
	}
}

func TestVoiceFastEndToEnd(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	snap.Service = "voice"
	snap.Topology = TopologyVoiceFast
	snap.Channel = "voice"
	snap.InputText = ""
	snap.Audio = []byte{9, 9, 9}
	snap.AudioFormat = "wav"

	llmc := &fakeLLM{chunks: []llm.Chunk{
		{Token: "Lights on."},
		{Token: " Anything else?"},
		{FinishReason: "stop", TokensIn: 20, TokensOut: 6},
	}}
	sttc := &fakeSTT{result: &stt.Result{
		Transcript: "turn on the lights",
		Confidence: 0.97,
		DurationMS: 1200,
	}}
	ttsc := &fakeTTS{}
	env := newStageEnv(t, snap, llmc, sttc, ttsc)

	res := env.runTopology(t, VoiceFast())
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed (stage %s, err %v)", res.Status, res.FailedStage, res.Err)
	}

	if got := res.Outputs[StageTranscribe].Results["transcript"].(string); got != "turn on the lights" {
		t.Errorf("transcript = %q", got)
	}
	synth := res.Outputs[StageSynthesize]
	if synth.Status != pipeline.StatusOK {
		t.Fatalf("synthesize output = %+v, want ok", synth)
	}
	if got := synth.Results["audio_chunks"].(int); got < 1 {
		t.Errorf("audio_chunks = %d, want at least 1", got)
	}

	// The persisted user turn is the transcript, not raw audio.
	interactions, _ := env.store.ListInteractions(context.Background(), snap.SessionID, 10)
	if len(interactions) != 2 {
		t.Fatalf("got %d interactions, want 2", len(interactions))
	}
	if interactions[0].Content != "turn on the lights" {
		t.Errorf("user interaction = %q, want the transcript", interactions[0].Content)
	}
}
