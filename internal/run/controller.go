// Package run implements the run controller: the single owner of a pipeline
// run's lifecycle from request to terminal status. The controller creates the
// run row, registers the event queue and cancel handle, builds the stage graph
// and port bundle, hands execution to the scheduler, aggregates the outcome
// onto the run row, captures failures to the dead-letter queue, and closes the
// client stream with exactly one terminal frame.
package run

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/voxline/internal/applier"
	"github.com/voxline/voxline/internal/dlq"
	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/policy"
	"github.com/voxline/voxline/internal/runctx"
	"github.com/voxline/voxline/internal/stages"
	"github.com/voxline/voxline/internal/storage"
	"github.com/voxline/voxline/internal/stream"
	"github.com/voxline/voxline/internal/transcript"
	"github.com/voxline/voxline/pkg/pricing"
	"github.com/voxline/voxline/pkg/provider/llm"
	"github.com/voxline/voxline/pkg/provider/stt"
	"github.com/voxline/voxline/pkg/provider/tts"
)

// defaultRunDeadline bounds a run when no per-topology budget is configured.
const defaultRunDeadline = 2 * time.Minute

// Request is one conversational turn submitted for execution.
type Request struct {
	RequestID   string
	SessionID   string
	PrincipalID string
	TenantID    string

	Service     string
	Topology    string
	Mode        string
	QualityMode string
	Channel     string

	InputText   string
	Audio       []byte
	AudioFormat string
	Language    string

	History    []pipeline.Message
	Behavior   map[string]any
	Vocabulary []string
}

// Deps bundles the long-lived collaborators a controller needs. All fields
// except Metrics and Transcript are required.
type Deps struct {
	Store    storage.Store
	Sink     *event.Sink
	Bridge   *stream.Bridge
	Registry *pipeline.Registry
	Policies *policy.Registry
	Gateway  *gateway.Gateway
	DLQ      *dlq.Service
	Cancels  *CancelRegistry

	LLM llm.Client
	STT stt.Client
	TTS tts.Client

	Transcript *transcript.Corrector
	Applier    *applier.Applier
	Metrics    *observe.Metrics

	Models pipeline.ModelSelection
	Retry  gateway.RetryConfig

	// Topologies maps topology names to definitions. Defaults to the
	// canonical set.
	Topologies map[string]pipeline.Definition
}

// Controller executes pipeline runs. Safe for concurrent use; each Execute
// call owns exactly one run.
type Controller struct {
	deps      Deps
	scheduler *pipeline.Scheduler
	log       *slog.Logger

	deadlines       map[string]time.Duration
	defaultDeadline time.Duration
}

// Option is a functional option for Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithScheduler replaces the default scheduler.
func WithScheduler(s *pipeline.Scheduler) Option {
	return func(c *Controller) {
		c.scheduler = s
	}
}

// WithDeadline sets a topology's wall-clock run budget.
func WithDeadline(topology string, d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.deadlines[topology] = d
		}
	}
}

// WithDefaultDeadline sets the budget for topologies without their own.
func WithDefaultDeadline(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.defaultDeadline = d
		}
	}
}

// NewController creates a controller over deps.
func NewController(deps Deps, opts ...Option) *Controller {
	if deps.Topologies == nil {
		deps.Topologies = stages.Definitions()
	}
	c := &Controller{
		deps:            deps,
		scheduler:       pipeline.NewScheduler(),
		log:             slog.Default(),
		deadlines:       map[string]time.Duration{},
		defaultDeadline: defaultRunDeadline,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Execute runs one request to terminal status and returns the finished run
// row. Re-invoking with the ID of a run that already reached terminal status
// returns that run's row without executing anything.
func (c *Controller) Execute(ctx context.Context, runID string, req Request) (*storage.RunRecord, error) {
	if runID == "" {
		return nil, fault.New(fault.KindValidation, "run: empty run id")
	}

	// Idempotency: a finished run is returned as-is, a live one is left alone.
	if existing, err := c.deps.Store.GetRun(ctx, runID); err == nil {
		if storage.TerminalRunStatus(existing.Status) {
			return existing, nil
		}
		return nil, fault.New(fault.KindValidation, "run %s is already executing", runID)
	}

	def, ok := c.deps.Topologies[c.topologyFor(req)]
	if !ok {
		return nil, fault.New(fault.KindValidation, "run: unknown topology %q", c.topologyFor(req))
	}

	rec := &storage.RunRecord{
		ID:          runID,
		Service:     req.Service,
		Status:      storage.RunStatusCreated,
		Topology:    def.Name,
		Mode:        req.Mode,
		QualityMode: req.QualityMode,
		RequestID:   req.RequestID,
		SessionID:   req.SessionID,
		PrincipalID: req.PrincipalID,
		TenantID:    req.TenantID,
	}
	if err := c.deps.Store.CreateRun(ctx, rec); err != nil {
		return nil, fault.Wrap(fault.KindPipeline, err, "run: create run %s", runID)
	}

	c.deps.Sink.Register(runID)
	runCtx := runctx.With(ctx, runctx.RunContext{
		RunID:       runID,
		RequestID:   req.RequestID,
		SessionID:   req.SessionID,
		PrincipalID: req.PrincipalID,
		TenantID:    req.TenantID,
		Service:     req.Service,
	})
	if err := c.deps.Sink.EmitDurable(runCtx, event.TypePipelineCreated, map[string]any{
		"service":  req.Service,
		"topology": def.Name,
	}); err != nil {
		c.log.Error("failed to persist pipeline.created", "run_id", runID, "error", err)
	}

	deadline := c.deadlineFor(def.Name)
	handle := pipeline.NewCancelHandle(runID, time.Now().Add(deadline))
	c.deps.Cancels.Register(handle)
	defer c.deps.Cancels.Unregister(runID)

	timer := time.AfterFunc(deadline, func() {
		if handle.Cancel("deadline_exceeded") {
			c.log.Warn("run deadline exceeded", "run_id", runID, "deadline", deadline)
		}
	})
	defer timer.Stop()

	streamRun := c.deps.Bridge.Open(runID)
	snap := c.snapshot(runID, def.Name, req)
	ports := c.ports(streamRun)

	graph, err := pipeline.NewGraph(def)
	if err != nil {
		return nil, c.abort(runCtx, rec, snap, req, "", err)
	}
	built, err := c.deps.Registry.Build(graph, ports)
	if err != nil {
		return nil, c.abort(runCtx, rec, snap, req, "", err)
	}

	if err := c.deps.Store.SetRunStatus(runCtx, runID, storage.RunStatusRunning); err != nil {
		c.log.Error("failed to mark run running", "run_id", runID, "error", err)
	}
	if err := c.deps.Sink.EmitDurable(runCtx, event.TypePipelineStarted, nil); err != nil {
		c.log.Error("failed to persist pipeline.started", "run_id", runID, "error", err)
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveRuns.Add(runCtx, 1)
		defer c.deps.Metrics.ActiveRuns.Add(context.Background(), -1)
	}

	sc := &pipeline.StageContext{
		Snapshot: snap,
		Ports:    ports,
		Events:   c.deps.Sink,
		Cancel:   handle,
	}

	start := time.Now()
	res := c.scheduler.Run(runCtx, graph, built, sc)
	elapsed := time.Since(start)

	c.aggregate(runCtx, rec, res, elapsed)
	if err := c.deps.Store.FinishRun(runCtx, rec); err != nil {
		c.log.Error("failed to finish run row", "run_id", runID, "error", err)
	}

	c.finish(runCtx, rec, res, snap, req, handle)
	return rec, nil
}

// topologyFor resolves the request's topology name, defaulting by channel.
func (c *Controller) topologyFor(req Request) string {
	if req.Topology != "" {
		return req.Topology
	}
	if req.Channel == "voice" {
		if req.Mode == "accurate" {
			return stages.TopologyVoiceAccurate
		}
		return stages.TopologyVoiceFast
	}
	if req.Mode == "accurate" {
		return stages.TopologyChatAccurate
	}
	return stages.TopologyChatFast
}

func (c *Controller) deadlineFor(topology string) time.Duration {
	if d, ok := c.deadlines[topology]; ok {
		return d
	}
	return c.defaultDeadline
}

func (c *Controller) snapshot(runID, topology string, req Request) *pipeline.Snapshot {
	return &pipeline.Snapshot{
		RunID:       runID,
		RequestID:   req.RequestID,
		SessionID:   req.SessionID,
		PrincipalID: req.PrincipalID,
		TenantID:    req.TenantID,
		Service:     req.Service,
		Topology:    topology,
		Mode:        req.Mode,
		QualityMode: req.QualityMode,
		Channel:     req.Channel,
		InputText:   req.InputText,
		Audio:       req.Audio,
		AudioFormat: req.AudioFormat,
		Language:    req.Language,
		History:     req.History,
		Behavior:    req.Behavior,
		Vocabulary:  req.Vocabulary,
	}
}

func (c *Controller) ports(streamRun *stream.Run) *pipeline.Ports {
	return &pipeline.Ports{
		Store:      c.deps.Store,
		DBLock:     &sync.Mutex{},
		LLM:        c.deps.LLM,
		STT:        c.deps.STT,
		TTS:        c.deps.TTS,
		Gateway:    c.deps.Gateway,
		Retry:      c.deps.Retry,
		Policies:   c.deps.Policies,
		Stream:     streamRun,
		Transcript: c.deps.Transcript,
		Applier:    c.deps.Applier,
		Metrics:    c.deps.Metrics,
		Models:     c.deps.Models,
	}
}

// aggregate folds the scheduler result and the run's provider call records
// into the run row.
func (c *Controller) aggregate(ctx context.Context, rec *storage.RunRecord, res *pipeline.Result, elapsed time.Duration) {
	rec.Status = res.Status
	rec.Success = res.Status == storage.RunStatusCompleted
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	rec.StagesSummary = res.Summaries
	rec.TotalLatencyMS = elapsed.Milliseconds()

	if out, ok := res.Outputs[stages.StageLLMStream]; ok && out.Results != nil {
		if ms, ok := out.Results["time_to_first_token_ms"].(int64); ok {
			rec.TimeToFirstToken = ms
		}
	}
	if out, ok := res.Outputs[stages.StageSynthesize]; ok && out.Results != nil {
		if ms, ok := out.Results["time_to_first_audio_ms"].(int64); ok {
			rec.TimeToFirstAudio = ms
		}
	}
	rec.TimeToFirstChunk = rec.TimeToFirstToken
	if rec.TimeToFirstAudio > 0 && (rec.TimeToFirstChunk == 0 || rec.TimeToFirstAudio < rec.TimeToFirstChunk) {
		rec.TimeToFirstChunk = rec.TimeToFirstAudio
	}

	calls, err := c.deps.Store.ListCalls(ctx, rec.ID)
	if err != nil {
		c.log.Error("failed to list provider calls for aggregates",
			"run_id", rec.ID, "error", err)
		return
	}
	for _, call := range calls {
		rec.TokensIn += call.TokensIn
		rec.TokensOut += call.TokensOut
		rec.CachedTokens += call.CachedTokens
		rec.CostHundredthCents += pricing.Cost(pricing.Call{
			Operation:    call.Operation,
			Provider:     call.Provider,
			Model:        call.Model,
			TokensIn:     call.TokensIn,
			TokensOut:    call.TokensOut,
			CachedTokens: call.CachedTokens,
		})
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordRun(ctx, rec.Topology, rec.Status, elapsed.Seconds())
		c.deps.Metrics.AddRunUsage(ctx, rec.TokensIn, rec.TokensOut, rec.CachedTokens, rec.CostHundredthCents)
	}
}

// finish emits the terminal event, captures failures to the dead-letter
// queue, sends the terminal frame, and tears down the run's stream and event
// queue. Exactly one terminal frame leaves here per run.
func (c *Controller) finish(ctx context.Context, rec *storage.RunRecord, res *pipeline.Result, snap *pipeline.Snapshot, req Request, handle *pipeline.CancelHandle) {
	var typ string
	data := map[string]any{
		"topology":         rec.Topology,
		"total_latency_ms": rec.TotalLatencyMS,
	}
	switch res.Status {
	case storage.RunStatusCompleted:
		typ = event.TypePipelineCompleted
	case storage.RunStatusCanceled:
		typ = event.TypePipelineCanceled
		data["reason"] = handle.Reason()
	default:
		typ = event.TypePipelineFailed
		data["failed_stage"] = res.FailedStage
		data["error_type"] = fault.ErrorType(res.Err)
		if res.Err != nil {
			data["error"] = res.Err.Error()
		}
	}
	if err := c.deps.Sink.EmitDurable(ctx, typ, data); err != nil {
		c.log.Error("failed to persist terminal event",
			"run_id", rec.ID, "type", typ, "error", err)
	}

	if res.Status == storage.RunStatusFailed {
		c.capture(ctx, rec, res, snap, req)
	}

	c.sendTerminalFrame(rec, res, snap, handle.Reason())
	c.deps.Bridge.Close(rec.ID)
	if err := c.deps.Sink.Drain(context.Background(), rec.ID); err != nil {
		c.log.Error("failed to drain event queue", "run_id", rec.ID, "error", err)
	}

	c.log.Info("run finished",
		"run_id", rec.ID,
		"status", rec.Status,
		"topology", rec.Topology,
		"latency_ms", rec.TotalLatencyMS,
		"tokens_in", rec.TokensIn,
		"tokens_out", rec.TokensOut)
}

// capture dead-letters a failed run with its replayable input.
func (c *Controller) capture(ctx context.Context, rec *storage.RunRecord, res *pipeline.Result, snap *pipeline.Snapshot, req Request) {
	input := map[string]any{
		"input_text":   req.InputText,
		"audio_bytes":  len(req.Audio),
		"audio_format": req.AudioFormat,
		"language":     req.Language,
		"mode":         req.Mode,
		"quality_mode": req.QualityMode,
		"channel":      req.Channel,
	}
	id, err := c.deps.DLQ.Capture(ctx, dlq.Failure{
		RunID:           rec.ID,
		Service:         rec.Service,
		FailedStage:     res.FailedStage,
		Err:             res.Err,
		ContextSnapshot: snap.Map(),
		InputData:       input,
	})
	if err != nil {
		c.log.Error("failed to dead-letter run", "run_id", rec.ID, "error", err)
		return
	}
	c.log.Warn("run dead-lettered", "run_id", rec.ID, "dlq_id", id, "stage", res.FailedStage)
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordDeadLetter(ctx, fault.ErrorType(res.Err))
	}
}

// sendTerminalFrame delivers the single terminal frame for the run. Canceled
// runs end with a status.update carrying the cancel reason; the error frame
// is reserved for failures.
func (c *Controller) sendTerminalFrame(rec *storage.RunRecord, res *pipeline.Result, snap *pipeline.Snapshot, reason string) {
	streamRun, ok := c.deps.Bridge.Get(rec.ID)
	if !ok {
		return
	}

	switch res.Status {
	case storage.RunStatusCompleted:
		content := ""
		if out, ok := res.Outputs[stages.StageLLMStream]; ok && out.Results != nil {
			content, _ = out.Results["content"].(string)
		}
		typ := stream.FrameChatComplete
		if snap.Channel == "voice" {
			typ = stream.FrameVoiceComplete
		}
		streamRun.Send(stream.CompleteFrame(typ, content, rec.ID, rec.RequestID, map[string]any{
			"total_latency_ms": rec.TotalLatencyMS,
			"tokens_in":        rec.TokensIn,
			"tokens_out":       rec.TokensOut,
		}))
	case storage.RunStatusCanceled:
		streamRun.Send(stream.CanceledFrame(rec.Service, reason, rec.ID, rec.RequestID))
	default:
		streamRun.Send(stream.ErrorFrame(fault.ErrorType(res.Err), "pipeline failed", rec.RequestID))
	}
}

// abort finishes a run that failed before the scheduler started.
func (c *Controller) abort(ctx context.Context, rec *storage.RunRecord, snap *pipeline.Snapshot, req Request, failedStage string, cause error) error {
	res := &pipeline.Result{
		Status:      storage.RunStatusFailed,
		FailedStage: failedStage,
		Err:         cause,
		Outputs:     map[string]pipeline.Output{},
		Summaries:   map[string]storage.StageSummary{},
	}
	c.aggregate(ctx, rec, res, 0)
	if err := c.deps.Store.FinishRun(ctx, rec); err != nil {
		c.log.Error("failed to finish aborted run row", "run_id", rec.ID, "error", err)
	}
	c.finish(ctx, rec, res, snap, req, pipeline.NewCancelHandle(rec.ID, time.Time{}))
	return cause
}
