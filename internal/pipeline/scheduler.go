package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/runctx"
	"github.com/voxline/voxline/internal/storage"
)

// defaultStageTimeout bounds a single stage invocation.
const defaultStageTimeout = 120 * time.Second

// Result is the scheduler's verdict on one run.
type Result struct {
	// Status is one of the terminal run statuses.
	Status string

	// FailedStage names the stage whose fail ended the run, if any.
	FailedStage string

	// Err is the failure cause for failed runs.
	Err error

	// Outputs holds every materialized stage output by name.
	Outputs map[string]Output

	// Summaries is the per-stage outcome map stored on the run row.
	Summaries map[string]storage.StageSummary
}

// Scheduler walks a stage graph stratum by stratum, running independent
// stages concurrently, honoring conditional skips and cooperative
// cancellation, and emitting the stage lifecycle events.
type Scheduler struct {
	log          *slog.Logger
	stageTimeout time.Duration
}

// SchedulerOption is a functional option for Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the structured logger.
func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.log = log
	}
}

// WithStageTimeout bounds each stage invocation.
func WithStageTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.stageTimeout = d
		}
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		log:          slog.Default(),
		stageTimeout: defaultStageTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run executes the graph. sc carries the snapshot, ports, emitter, and
// cancellation handle; the scheduler owns the outputs map inside it.
//
// Semantics per stratum: a flipped cancel handle stops scheduling and marks
// the run canceled; a stage fail marks the run failed and cancels in-flight
// siblings cooperatively; a conditional stage whose predicate holds or whose
// dependency skipped is recorded as skipped without being invoked.
func (s *Scheduler) Run(ctx context.Context, g *Graph, stages map[string]Stage, sc *StageContext) *Result {
	res := &Result{
		Status:    storage.RunStatusCompleted,
		Outputs:   map[string]Output{},
		Summaries: map[string]storage.StageSummary{},
	}
	sc.outputs = res.Outputs

	var mu sync.Mutex // guards res.Outputs and res.Summaries across a stratum

	for _, stratum := range g.Strata() {
		if sc.Cancel.Canceled() {
			res.Status = storage.RunStatusCanceled
			return res
		}

		var runnable []string
		for _, name := range stratum {
			spec, _ := g.Spec(name)
			if out, skipped := s.evalSkip(spec, res.Outputs); skipped {
				res.Outputs[name] = out
				res.Summaries[name] = storage.StageSummary{Status: string(StatusSkip), Reason: out.Reason}
				sc.Events.Emit(ctx, event.TypeStageSkipped, map[string]any{
					"stage":  name,
					"reason": out.Reason,
				})
				continue
			}
			runnable = append(runnable, name)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for _, name := range runnable {
			stage := stages[name]
			group.Go(func() error {
				out, duration := s.invoke(groupCtx, sc, name, stage)

				mu.Lock()
				res.Outputs[name] = out
				summary := storage.StageSummary{
					Status:     string(out.Status),
					Reason:     out.Reason,
					DurationMS: duration.Milliseconds(),
				}
				if out.Err != nil {
					summary.Error = out.Err.Error()
				}
				res.Summaries[name] = summary
				mu.Unlock()

				if out.Status == StatusFail {
					// Returning the error cancels groupCtx so in-flight
					// siblings observe the cancel at their next suspension.
					return out.Err
				}
				return nil
			})
		}

		failErr := group.Wait()

		// Interpret the stratum. A fail wins over cancel: the failing stage
		// is the cause, siblings that bailed out are recorded as skips.
		if failErr != nil {
			res.Status = storage.RunStatusFailed
			res.Err = failErr
			for _, name := range runnable {
				if out, ok := res.Outputs[name]; ok && out.Status == StatusFail {
					res.FailedStage = name
					break
				}
			}
			return res
		}

		if sc.Cancel.Canceled() {
			res.Status = storage.RunStatusCanceled
			return res
		}
		for _, name := range runnable {
			if out := res.Outputs[name]; out.Status == StatusSkip && out.Reason == ReasonCanceled {
				res.Status = storage.RunStatusCanceled
				return res
			}
		}
	}

	return res
}

// evalSkip decides whether a conditional stage is gated off: either an
// upstream dependency skipped, or the declared predicate key is true on an
// upstream output.
func (s *Scheduler) evalSkip(spec StageSpec, outputs map[string]Output) (Output, bool) {
	if !spec.Conditional {
		return Output{}, false
	}
	for _, dep := range spec.DependsOn {
		out, ok := outputs[dep]
		if !ok {
			continue
		}
		if out.Status == StatusSkip {
			return Skip(ReasonUpstreamSkip), true
		}
		if spec.SkipKey != "" && out.Results != nil {
			if v, ok := out.Results[spec.SkipKey].(bool); ok && v {
				return Skip(ReasonPredicate), true
			}
		}
	}
	return Output{}, false
}

// invoke runs one stage with the ambient context frame, a bounded timeout,
// panic recovery, and lifecycle events.
func (s *Scheduler) invoke(ctx context.Context, sc *StageContext, name string, stage Stage) (out Output, duration time.Duration) {
	snap := sc.Snapshot
	stageCtx := runctx.With(ctx, runctx.RunContext{
		RunID:       snap.RunID,
		RequestID:   snap.RequestID,
		SessionID:   snap.SessionID,
		PrincipalID: snap.PrincipalID,
		TenantID:    snap.TenantID,
		Service:     snap.Service,
	})
	stageCtx, cancel := context.WithTimeout(stageCtx, s.stageTimeout)
	defer cancel()

	sc.Events.Emit(stageCtx, event.TypeStageStarted, map[string]any{"stage": name})

	start := time.Now()
	out = s.safeExecute(stageCtx, sc, name, stage)
	duration = time.Since(start)

	switch out.Status {
	case StatusOK:
		sc.Events.Emit(stageCtx, event.TypeStageCompleted, map[string]any{
			"stage":       name,
			"duration_ms": duration.Milliseconds(),
		})
	case StatusSkip:
		sc.Events.Emit(stageCtx, event.TypeStageSkipped, map[string]any{
			"stage":  name,
			"reason": out.Reason,
		})
	case StatusFail:
		if out.Err == nil {
			out.Err = fault.New(fault.KindPipeline, "stage %s failed without error detail", name)
		}
		sc.Events.Emit(stageCtx, event.TypeStageFailed, map[string]any{
			"stage":       name,
			"duration_ms": duration.Milliseconds(),
			"error_type":  fault.ErrorType(out.Err),
			"error":       out.Err.Error(),
		})
	}

	return out, duration
}

// safeExecute translates a stage panic into a fail output.
func (s *Scheduler) safeExecute(ctx context.Context, sc *StageContext, name string, stage Stage) (out Output) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("stage panicked",
				"stage", name, "panic", r, "stack", string(debug.Stack()))
			out = Fail(fault.New(fault.KindPipeline, "stage %s panicked: %v", name, r))
		}
	}()
	return stage.Execute(ctx, sc)
}
