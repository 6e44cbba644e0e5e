package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxline/voxline/internal/applier"
	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/policy"
	"github.com/voxline/voxline/internal/runctx"
	"github.com/voxline/voxline/internal/storage/mock"
	"github.com/voxline/voxline/internal/stream"
	"github.com/voxline/voxline/internal/transcript"
	"github.com/voxline/voxline/pkg/provider/llm"
	"github.com/voxline/voxline/pkg/provider/stt"
	"github.com/voxline/voxline/pkg/provider/tts"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeLLM struct {
	chunks    []llm.Chunk
	streamErr error
	generated *llm.Result
	genErr    error
}

func (f *fakeLLM) Generate(_ context.Context, _ llm.Request) (*llm.Result, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	return f.generated, nil
}

func (f *fakeLLM) Stream(_ context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan llm.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type fakeSTT struct {
	result *stt.Result
	err    error
}

func (f *fakeSTT) Transcribe(_ context.Context, _ stt.Request) (*stt.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeTTS struct {
	err   error
	calls int
}

func (f *fakeTTS) Synthesize(_ context.Context, req tts.Request) (*tts.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Result{
		Audio:      []byte(req.Text),
		Format:     req.Format,
		DurationMS: 100,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Harness
// ─────────────────────────────────────────────────────────────────────────────

// stageEnv wires the full port bundle against in-memory fakes for one run.
type stageEnv struct {
	store    *mock.Store
	sink     *event.Sink
	bridge   *stream.Bridge
	run      *stream.Run
	policies *policy.Registry
	ports    *pipeline.Ports
	sc       *pipeline.StageContext
}

func newStageEnv(t *testing.T, snap *pipeline.Snapshot, llmc llm.Client, sttc stt.Client, ttsc tts.Client) *stageEnv {
	t.Helper()

	store := mock.NewStore()
	sink := event.NewSink(store)
	sink.Register(snap.RunID)
	t.Cleanup(func() {
		_ = sink.Drain(context.Background(), snap.RunID)
	})

	bridge := stream.NewBridge(sink)
	run := bridge.Open(snap.RunID)
	policies := policy.NewRegistry(sink)

	ports := &pipeline.Ports{
		Store:    store,
		LLM:      llmc,
		STT:      sttc,
		TTS:      ttsc,
		Gateway:  gateway.New(store, sink),
		Policies: policies,
		Stream:   run,
		Applier:  applier.New(store, policies, sink),
		Models: pipeline.ModelSelection{
			LLMProvider: "openai",
			LLMModel:    "gpt-4o-mini",
			STTProvider: "openai",
			STTModel:    "whisper-1",
			TTSProvider: "openai",
			TTSModel:    "tts-1",
			TTSVoice:    "alloy",
		},
	}

	return &stageEnv{
		store:    store,
		sink:     sink,
		bridge:   bridge,
		run:      run,
		policies: policies,
		ports:    ports,
		sc: &pipeline.StageContext{
			Snapshot: snap,
			Ports:    ports,
			Events:   sink,
			Cancel:   pipeline.NewCancelHandle(snap.RunID, time.Time{}),
		},
	}
}

// runTopology builds and executes def through the real registry and scheduler.
func (e *stageEnv) runTopology(t *testing.T, def pipeline.Definition) *pipeline.Result {
	t.Helper()

	g, err := pipeline.NewGraph(def)
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}
	reg := pipeline.NewRegistry()
	RegisterAll(reg)
	built, err := reg.Build(g, e.ports)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return pipeline.NewScheduler().Run(context.Background(), g, built, e.sc)
}

// events drains the sink and returns the persisted event log.
func (e *stageEnv) events(t *testing.T, runID string) []string {
	t.Helper()
	if err := e.sink.Drain(context.Background(), runID); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	recs, err := e.store.ListEvents(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	types := make([]string, len(recs))
	for i, r := range recs {
		types[i] = r.Type
	}
	return types
}

func countType(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func chatSnapshot() *pipeline.Snapshot {
	return &pipeline.Snapshot{
		RunID:     "run-1",
		RequestID: "req-1",
		SessionID: "sess-1",
		Service:   "chat",
		Topology:  TopologyChatFast,
		Channel:   "chat",
		InputText: "what is the weather",
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Router
// ─────────────────────────────────────────────────────────────────────────────

func TestRouterSelectsModeParameters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		mode            string
		quality         string
		wantTemperature float64
		wantMaxTokens   int
		wantSkipAssess  bool
	}{
		{"fast default", "", "", fastTemperature, fastMaxTokens, true},
		{"accurate", "accurate", "", accurateTemperature, accurateMaxTokens, false},
		{"fast high quality", "", "high", fastTemperature, accurateMaxTokens, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			snap := chatSnapshot()
			snap.Mode = tt.mode
			snap.QualityMode = tt.quality
			env := newStageEnv(t, snap, &fakeLLM{}, nil, nil)

			stage, err := newRouter(env.ports)
			if err != nil {
				t.Fatalf("newRouter() error = %v", err)
			}
			out := stage.Execute(context.Background(), env.sc)
			if out.Status != pipeline.StatusOK {
				t.Fatalf("Status = %q, want ok", out.Status)
			}
			if got := out.Results["temperature"].(float64); got != tt.wantTemperature {
				t.Errorf("temperature = %v, want %v", got, tt.wantTemperature)
			}
			if got := out.Results["max_tokens"].(int); got != tt.wantMaxTokens {
				t.Errorf("max_tokens = %v, want %v", got, tt.wantMaxTokens)
			}
			if got := out.Results["skip_assessment"].(bool); got != tt.wantSkipAssess {
				t.Errorf("skip_assessment = %v, want %v", got, tt.wantSkipAssess)
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Transcribe
// ─────────────────────────────────────────────────────────────────────────────

func TestTranscribeSkipsWithoutAudio(t *testing.T) {
	t.Parallel()

	env := newStageEnv(t, chatSnapshot(), &fakeLLM{}, &fakeSTT{}, nil)
	stage, err := newTranscribe(env.ports)
	if err != nil {
		t.Fatalf("newTranscribe() error = %v", err)
	}

	out := stage.Execute(context.Background(), env.sc)
	if out.Status != pipeline.StatusSkip {
		t.Fatalf("Status = %q, want skip", out.Status)
	}
}

func TestTranscribeCorrectsAgainstVocabulary(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	snap.Audio = []byte{1, 2, 3}
	snap.AudioFormat = "wav"
	snap.Vocabulary = []string{"Jira"}

	env := newStageEnv(t, snap, &fakeLLM{}, &fakeSTT{result: &stt.Result{
		Transcript: "open the jeera board",
		Confidence: 0.92,
		DurationMS: 1800,
	}}, nil)
	env.ports.Transcript = transcript.New()

	stage, err := newTranscribe(env.ports)
	if err != nil {
		t.Fatalf("newTranscribe() error = %v", err)
	}

	ctx := runctx.With(context.Background(), runctx.RunContext{RunID: snap.RunID})
	out := stage.Execute(ctx, env.sc)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("Status = %q, want ok (reason %q, err %v)", out.Status, out.Reason, out.Err)
	}
	if got := out.Results["transcript"].(string); got != "open the Jira board" {
		t.Errorf("transcript = %q, want corrected Jira", got)
	}
	if got := out.Results["corrections"].(int); got != 1 {
		t.Errorf("corrections = %d, want 1", got)
	}

	types := env.events(t, snap.RunID)
	if countType(types, event.TypeChatTranscript) != 1 {
		t.Errorf("events = %v, want one chat.transcript", types)
	}
}

func TestTranscribeFailsOnProviderError(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	snap.Audio = []byte{1}

	env := newStageEnv(t, snap, &fakeLLM{}, &fakeSTT{err: errors.New("upstream 500")}, nil)
	stage, _ := newTranscribe(env.ports)

	ctx := runctx.With(context.Background(), runctx.RunContext{RunID: snap.RunID})
	out := stage.Execute(ctx, env.sc)
	if out.Status != pipeline.StatusFail {
		t.Fatalf("Status = %q, want fail", out.Status)
	}
	if out.Err == nil {
		t.Error("Err = nil, want provider error")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Synthesize
// ─────────────────────────────────────────────────────────────────────────────

func TestSynthesizeConsumesSpansUntilClose(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	ttsc := &fakeTTS{}
	env := newStageEnv(t, snap, &fakeLLM{}, nil, ttsc)

	env.run.PartialText.Push("Hello there.")
	env.run.PartialText.Push("How can I help?")
	env.run.PartialText.Close()

	stage, _ := newSynthesize(env.ports)
	ctx := runctx.With(context.Background(), runctx.RunContext{RunID: snap.RunID})
	out := stage.Execute(ctx, env.sc)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("Status = %q, want ok", out.Status)
	}
	if got := out.Results["audio_chunks"].(int); got != 2 {
		t.Errorf("audio_chunks = %d, want 2", got)
	}
	if ttsc.calls != 2 {
		t.Errorf("TTS calls = %d, want 2", ttsc.calls)
	}

	// Two audio frames plus the final empty terminator.
	var frames []stream.Frame
	env.bridge.Close(snap.RunID)
	for f := range env.run.Frames() {
		if f.Type == stream.FrameAudioChunk {
			frames = append(frames, f)
		}
	}
	if len(frames) != 3 {
		t.Fatalf("got %d audio frames, want 3", len(frames))
	}
	if final := frames[2].Data["final"].(bool); !final {
		t.Error("last audio frame is not marked final")
	}
}

func TestSynthesizeDegradesOnProviderError(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	env := newStageEnv(t, snap, &fakeLLM{}, nil, &fakeTTS{err: errors.New("tts down")})

	env.run.PartialText.Push("First span.")
	env.run.PartialText.Push("Second span.")
	env.run.PartialText.Close()

	stage, _ := newSynthesize(env.ports)
	ctx := runctx.With(context.Background(), runctx.RunContext{RunID: snap.RunID})
	out := stage.Execute(ctx, env.sc)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("Status = %q, want ok (degraded)", out.Status)
	}
	if degraded, _ := out.Results["degraded"].(bool); !degraded {
		t.Error("output not marked degraded")
	}
	if got := out.Results["failed_spans"].(int); got != 2 {
		t.Errorf("failed_spans = %d, want 2", got)
	}
	if got := out.Results["audio_chunks"].(int); got != 0 {
		t.Errorf("audio_chunks = %d, want 0", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Assessment parsing
// ─────────────────────────────────────────────────────────────────────────────

func TestParseAssessment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		content   string
		wantScore float64
		wantIssue bool
	}{
		{"plain json", `{"score": 0.85, "issues": []}`, 0.85, false},
		{"fenced json", "```json\n{\"score\": 0.5, \"issues\": [\"terse\"]}\n```", 0.5, true},
		{"garbage", "I think it was fine", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			score, issues := parseAssessment(tt.content)
			if score != tt.wantScore {
				t.Errorf("score = %v, want %v", score, tt.wantScore)
			}
			if (len(issues) > 0) != tt.wantIssue {
				t.Errorf("issues = %v, want issue present = %v", issues, tt.wantIssue)
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// LLM stream
// ─────────────────────────────────────────────────────────────────────────────

func TestLLMStreamReportsSideChannelOverflow(t *testing.T) {
	t.Parallel()

	snap := chatSnapshot()
	store := mock.NewStore()
	sink := event.NewSink(store)
	sink.Register(snap.RunID)
	t.Cleanup(func() { _ = sink.Drain(context.Background(), snap.RunID) })

	// A one-slot bridge with no consumer forces drop-oldest on the token and
	// partial-text channels.
	bridge := stream.NewBridge(sink, stream.WithFrameCapacity(1))
	run := bridge.Open(snap.RunID)

	ports := &pipeline.Ports{
		Store: store,
		LLM: &fakeLLM{chunks: []llm.Chunk{
			{Token: "One. "},
			{Token: "Two. "},
			{Token: "Three. "},
			{FinishReason: "stop", TokensIn: 9, TokensOut: 6},
		}},
		Gateway: gateway.New(store, sink),
		Stream:  run,
		Models: pipeline.ModelSelection{
			LLMProvider: "openai",
			LLMModel:    "gpt-4o-mini",
		},
	}
	sc := &pipeline.StageContext{
		Snapshot: snap,
		Ports:    ports,
		Events:   sink,
		Cancel:   pipeline.NewCancelHandle(snap.RunID, time.Time{}),
	}

	stage, err := newLLMStream(ports)
	if err != nil {
		t.Fatalf("newLLMStream() error = %v", err)
	}
	ctx := runctx.With(context.Background(), runctx.RunContext{RunID: snap.RunID})
	out := stage.Execute(ctx, sc)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("Status = %q, want ok (err %v)", out.Status, out.Err)
	}

	if err := sink.Drain(context.Background(), snap.RunID); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	recs, err := store.ListEvents(context.Background(), snap.RunID)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	byChannel := map[string]int{}
	for _, r := range recs {
		if r.Type != event.TypeStreamDropped {
			continue
		}
		if ch, _ := r.Data["channel"].(string); ch != "" {
			byChannel[ch]++
		}
	}
	if byChannel["tokens"] == 0 {
		t.Error("no stream.dropped event for the token channel")
	}
	if byChannel["partial_text"] == 0 {
		t.Error("no stream.dropped event for the partial-text channel")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sentence boundaries
// ─────────────────────────────────────────────────────────────────────────────

func TestFirstSentenceBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{"Hello. World", 5},
		{"Hi! There", 2},
		{"Really? Yes", 6},
		{"3.14 is pi", -1},
		{"no boundary here", -1},
		{"trailing dot.", -1},
	}

	for _, tt := range tests {
		if got := firstSentenceBoundary(tt.in); got != tt.want {
			t.Errorf("firstSentenceBoundary(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
