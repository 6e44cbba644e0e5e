// Package event implements the typed event sink at the center of the pipeline
// kernel. Every observable occurrence in a run (stage lifecycle, provider
// calls, policy decisions, circuit breaker transitions) is emitted here as a
// dotted-namespace typed event, appended to the durable per-run event log, and
// optionally fanned out to the run's client stream.
package event

// Event is one typed occurrence within a run.
type Event struct {
	// Type is the dotted-namespace event type, e.g. "stage.started".
	Type string

	// Data is the free-form structured payload.
	Data map[string]any
}

// Pipeline lifecycle events.
const (
	TypePipelineCreated         = "pipeline.created"
	TypePipelineStarted         = "pipeline.started"
	TypePipelineCompleted       = "pipeline.completed"
	TypePipelineFailed          = "pipeline.failed"
	TypePipelineCanceled        = "pipeline.canceled"
	TypePipelineCancelRequested = "pipeline.cancel_requested"
)

// Stage lifecycle events.
const (
	TypeStageStarted   = "stage.started"
	TypeStageCompleted = "stage.completed"
	TypeStageFailed    = "stage.failed"
	TypeStageSkipped   = "stage.skipped"
)

// Provider call gateway events.
const (
	TypeProviderCallSucceeded = "provider.call.succeeded"
	TypeProviderCallFailed    = "provider.call.failed"
)

// Circuit breaker transition events. The breaker is observe-only: it records
// state but never refuses a call.
const (
	TypeCircuitOpened          = "circuit.opened"
	TypeCircuitHalfOpen        = "circuit.half_open"
	TypeCircuitClosed          = "circuit.closed"
	TypeCircuitOpenCallAllowed = "circuit.open.call_allowed"
)

// Policy events.
const (
	TypePolicyDecision         = "policy.decision"
	TypePolicyBlocked          = "policy.blocked"
	TypePolicyEscalationDenied = "policy.escalation.denied"
)

// Agent output and streaming events.
const (
	TypeArtifactsRejected = "agent_output.artifacts.rejected"
	TypeStreamDropped     = "stream.dropped"
	TypeStatusUpdate      = "status.update"
	TypeChatToken         = "chat.token"
	TypeChatTranscript    = "chat.transcript"
)

// Terminal reports whether typ is one of the three terminal pipeline events.
func Terminal(typ string) bool {
	return typ == TypePipelineCompleted || typ == TypePipelineFailed || typ == TypePipelineCanceled
}
