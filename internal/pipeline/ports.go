package pipeline

import (
	"sync"

	"github.com/voxline/voxline/internal/applier"
	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/policy"
	"github.com/voxline/voxline/internal/storage"
	"github.com/voxline/voxline/internal/stream"
	"github.com/voxline/voxline/internal/transcript"
	"github.com/voxline/voxline/pkg/provider/llm"
	"github.com/voxline/voxline/pkg/provider/stt"
	"github.com/voxline/voxline/pkg/provider/tts"
)

// Ports is the frozen capability bundle injected into stages, bound once per
// run. Stage factories pick the capabilities they need; unused fields are
// simply ignored. Nil fields mean the capability is not available for this
// topology (a chat pipeline carries no TTS client).
type Ports struct {
	// Store is the shared persistence layer.
	Store storage.Store

	// DBLock serializes writers that would otherwise race on the same row.
	// Run-scoped; may be nil when no stage contends.
	DBLock sync.Locker

	// Provider clients, shared across stages and runs. Thread-safe.
	LLM llm.Client
	STT stt.Client
	TTS tts.Client

	// Gateway wraps every provider invocation with recording, events, and
	// the observe-only breaker.
	Gateway *gateway.Gateway

	// Retry configures the optional retry helper around gateway calls.
	Retry gateway.RetryConfig

	// Policies is the guardrails registry.
	Policies *policy.Registry

	// Stream is the run's streaming state: client frames plus the token and
	// partial-text side channels.
	Stream *stream.Run

	// Transcript corrects STT output against the run's vocabulary hints.
	Transcript *transcript.Corrector

	// Applier validates and applies the agent's produced plan.
	Applier *applier.Applier

	// Metrics is the shared OTel instrument set. Nil disables recording.
	Metrics *observe.Metrics

	// Models selects the model per operation for this run's mode.
	Models ModelSelection
}

// ModelSelection names the models a run uses per operation.
type ModelSelection struct {
	LLMProvider string
	LLMModel    string
	STTProvider string
	STTModel    string
	TTSProvider string
	TTSModel    string
	TTSVoice    string
}
