// Package pipeline implements the stage orchestration kernel: declarative
// pipeline definitions over named stages with explicit dependency edges, a
// stratified scheduler that runs independent stages concurrently, conditional
// skipping, cooperative cancellation, and per-stage output propagation.
package pipeline

import "context"

// Kind tags what a stage does to the run.
type Kind string

const (
	// KindTransform rewrites or augments context (STT, LLM stream).
	KindTransform Kind = "TRANSFORM"

	// KindEnrich fetches or computes auxiliary data.
	KindEnrich Kind = "ENRICH"

	// KindRoute chooses a downstream branch or parameter.
	KindRoute Kind = "ROUTE"

	// KindWork is side-effectful (persistence, assessment, telemetry).
	KindWork Kind = "WORK"
)

// Status is a stage outcome.
type Status string

const (
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Skip reasons recorded on outputs.
const (
	ReasonCanceled     = "canceled"
	ReasonPredicate    = "predicate"
	ReasonUpstreamSkip = "upstream_skip"
)

// Output is the result of one stage invocation. Transient; lives only for
// the run.
type Output struct {
	// Status is ok, fail, or skip.
	Status Status

	// Reason explains a skip.
	Reason string

	// Err holds the failure cause for fail outputs.
	Err error

	// Results is the key/value map downstream stages read. Keys are
	// stage-defined; by convention lower_snake_case.
	Results map[string]any
}

// OK builds a successful output carrying results.
func OK(results map[string]any) Output {
	return Output{Status: StatusOK, Results: results}
}

// Fail builds a failed output.
func Fail(err error) Output {
	return Output{Status: StatusFail, Err: err}
}

// Skip builds a skipped output.
func Skip(reason string) Output {
	return Output{Status: StatusSkip, Reason: reason}
}

// Degraded marks an ok output as degraded: the stage absorbed a provider
// failure and produced a partial result. Downstream stages decide what to do.
func Degraded(results map[string]any, cause error) Output {
	if results == nil {
		results = map[string]any{}
	}
	results["degraded"] = true
	if cause != nil {
		results["degraded_cause"] = cause.Error()
	}
	return Output{Status: StatusOK, Results: results}
}

// Stage is one unit of pipeline work. Implementations must re-check the
// cancellation probe after every suspension point (provider call, DB I/O,
// queue read) and return a skip with reason "canceled" when flipped.
type Stage interface {
	// Name is the stable registry name.
	Name() string

	// Execute runs the stage against its context.
	Execute(ctx context.Context, sc *StageContext) Output
}

// Emitter is the event surface a stage sees. Mirrors the sink's two entry
// points without importing it; the scheduler wires the real sink in.
type Emitter interface {
	Emit(ctx context.Context, typ string, data map[string]any)
	EmitDurable(ctx context.Context, typ string, data map[string]any) error
}

// StageContext is what a stage invocation receives: the immutable run
// snapshot, upstream outputs by stage name, the injected port bundle, the
// event emitter, and the cancellation probe.
type StageContext struct {
	// Snapshot is the immutable per-run context. Never mutated by stages.
	Snapshot *Snapshot

	// Ports is the frozen capability bundle bound once per run.
	Ports *Ports

	// Events is the run's event emitter.
	Events Emitter

	// Cancel is the run's cancellation handle.
	Cancel *CancelHandle

	outputs map[string]Output
}

// Canceled is the probe stages call at every suspension point. It reports
// true when the run's cancel flag flipped or the stage's context ended
// (sibling failure, stage timeout).
func (sc *StageContext) Canceled(ctx context.Context) bool {
	return sc.Cancel.Canceled() || ctx.Err() != nil
}

// Upstream returns the output of a completed upstream stage. ok is false when
// the stage has not produced an output (not a dependency or not yet run).
func (sc *StageContext) Upstream(name string) (Output, bool) {
	out, ok := sc.outputs[name]
	return out, ok
}

// Result reads one result key from an upstream output. Missing stages or keys
// return nil, false.
func (sc *StageContext) Result(stage, key string) (any, bool) {
	out, ok := sc.outputs[stage]
	if !ok || out.Results == nil {
		return nil, false
	}
	v, ok := out.Results[key]
	return v, ok
}

// StringResult reads a string result key from an upstream output, or "".
func (sc *StageContext) StringResult(stage, key string) string {
	v, _ := sc.Result(stage, key)
	s, _ := v.(string)
	return s
}

// BoolResult reads a boolean result key from an upstream output, or false.
func (sc *StageContext) BoolResult(stage, key string) bool {
	v, _ := sc.Result(stage, key)
	b, _ := v.(bool)
	return b
}
