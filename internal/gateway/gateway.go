// Package gateway funnels every external provider invocation through a single
// entry point that records a provider call row, emits call lifecycle events,
// enforces a bounded timeout, and feeds an observe-only circuit breaker keyed
// by (operation, provider, model).
//
// The breaker never refuses a call. An open breaker is reported via a
// "circuit.open.call_allowed" event and the call proceeds; the state machine
// exists purely as instrumentation.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/runctx"
	"github.com/voxline/voxline/internal/storage"
)

// Gateway operations.
const (
	OpLLMGenerate   = "llm.generate"
	OpLLMStream     = "llm.stream"
	OpSTTTranscribe = "stt.transcribe"
	OpTTSSynthesize = "tts.synthesize"
)

// defaultCallTimeout bounds a provider call when the Call names no timeout.
const defaultCallTimeout = 60 * time.Second

// Call describes one provider invocation about to be made.
type Call struct {
	// Operation is one of the Op* constants.
	Operation string

	// Provider is the provider name, e.g. "openai".
	Provider string

	// Model is the model identifier.
	Model string

	// Fingerprint is a short stable digest of the request, used to correlate
	// retries of the same payload. Optional.
	Fingerprint string

	// Timeout bounds the invocation. Zero applies the gateway default.
	Timeout time.Duration
}

// Usage carries the token accounting an invoke function reports back.
type Usage struct {
	TokensIn     int
	TokensOut    int
	CachedTokens int
}

// InvokeFunc performs the actual provider call. For streaming operations the
// function consumes the whole stream before returning so the reported usage
// covers the full exchange.
type InvokeFunc func(ctx context.Context) (Usage, error)

// Gateway is the single entry point for external provider calls.
// Safe for concurrent use across stages and runs.
type Gateway struct {
	calls    storage.CallStore
	sink     *event.Sink
	breakers *Breakers
	log      *slog.Logger
	timeout  time.Duration
}

// Option is a functional option for Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		g.log = log
	}
}

// WithDefaultTimeout overrides the default per-call timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithBreakerConfig tunes the observe-only circuit breaker.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(g *Gateway) {
		g.breakers = NewBreakers(cfg)
	}
}

// New creates a Gateway recording calls to calls and emitting events to sink.
func New(calls storage.CallStore, sink *event.Sink, opts ...Option) *Gateway {
	g := &Gateway{
		calls:    calls,
		sink:     sink,
		breakers: NewBreakers(BreakerConfig{}),
		log:      slog.Default(),
		timeout:  defaultCallTimeout,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Breakers exposes the breaker map for health reporting.
func (g *Gateway) Breakers() *Breakers { return g.breakers }

// Invoke runs one provider call end to end: it writes a pending provider call
// row, consults the breaker (observing only), executes invoke under a bounded
// timeout, finishes the row with usage and outcome, emits the call lifecycle
// events, and accounts the result with the breaker.
//
// The provider error is returned unchanged (classified as a provider fault
// when the timeout fired) so the calling stage decides fallback.
func (g *Gateway) Invoke(ctx context.Context, call Call, invoke InvokeFunc) error {
	rc, _ := runctx.From(ctx)

	rec := &storage.ProviderCallRecord{
		ID:          uuid.NewString(),
		RunID:       rc.RunID,
		Operation:   call.Operation,
		Provider:    call.Provider,
		Model:       call.Model,
		Fingerprint: call.Fingerprint,
	}
	if err := g.calls.CreateCall(ctx, rec); err != nil {
		// The record is observability, not a precondition: proceed.
		g.log.Error("failed to create provider call record",
			"run_id", rc.RunID, "operation", call.Operation, "error", err)
	}

	state, transitioned := g.breakers.Observe(call.Operation, call.Provider, call.Model)
	if transitioned {
		g.emitTransition(ctx, call, state)
	}
	if state == StateOpen {
		g.sink.Emit(ctx, event.TypeCircuitOpenCallAllowed, g.callData(call, nil))
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	usage, err := invoke(callCtx)
	duration := time.Since(start)

	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fault.Provider(fault.ProviderTimeout, err,
			"%s call to %s/%s exceeded %s", call.Operation, call.Provider, call.Model, timeout)
	}

	rec.TokensIn = usage.TokensIn
	rec.TokensOut = usage.TokensOut
	rec.CachedTokens = usage.CachedTokens
	rec.DurationMS = duration.Milliseconds()
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
	}
	if ferr := g.calls.FinishCall(ctx, rec); ferr != nil {
		g.log.Error("failed to finish provider call record",
			"run_id", rc.RunID, "call_id", rec.ID, "error", ferr)
	}

	if err == nil {
		data := g.callData(call, map[string]any{
			"call_id":       rec.ID,
			"duration_ms":   rec.DurationMS,
			"tokens_in":     usage.TokensIn,
			"tokens_out":    usage.TokensOut,
			"cached_tokens": usage.CachedTokens,
		})
		g.sink.Emit(ctx, event.TypeProviderCallSucceeded, data)
	} else {
		data := g.callData(call, map[string]any{
			"call_id":     rec.ID,
			"duration_ms": rec.DurationMS,
			"error_type":  fault.ErrorType(err),
			"error":       err.Error(),
		})
		g.sink.Emit(ctx, event.TypeProviderCallFailed, data)
	}

	state, transitioned = g.breakers.Record(call.Operation, call.Provider, call.Model, err == nil)
	if transitioned {
		g.emitTransition(ctx, call, state)
	}

	return err
}

// emitTransition emits the event matching a breaker state change.
func (g *Gateway) emitTransition(ctx context.Context, call Call, state BreakerState) {
	var typ string
	switch state {
	case StateOpen:
		typ = event.TypeCircuitOpened
	case StateHalfOpen:
		typ = event.TypeCircuitHalfOpen
	case StateClosed:
		typ = event.TypeCircuitClosed
	default:
		return
	}
	g.sink.Emit(ctx, typ, g.callData(call, nil))
}

// callData builds the base event payload for a call, merged with extra.
func (g *Gateway) callData(call Call, extra map[string]any) map[string]any {
	data := map[string]any{
		"operation": call.Operation,
		"provider":  call.Provider,
		"model":     call.Model,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
