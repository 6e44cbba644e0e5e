package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/runctx"
	"github.com/voxline/voxline/internal/storage"
	"github.com/voxline/voxline/internal/storage/mock"
)

// fakeStage adapts a function to the Stage interface for scheduler tests.
type fakeStage struct {
	name string
	fn   func(ctx context.Context, sc *StageContext) Output
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) Execute(ctx context.Context, sc *StageContext) Output {
	return f.fn(ctx, sc)
}

// newTestHarness wires a graph of fake stages to a scheduler-ready context.
func newTestHarness(t *testing.T, def Definition, fakes map[string]func(ctx context.Context, sc *StageContext) Output) (*Graph, map[string]Stage, *StageContext, *mock.Store) {
	t.Helper()

	g, err := NewGraph(def)
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}

	stages := map[string]Stage{}
	for name, fn := range fakes {
		stages[name] = &fakeStage{name: name, fn: fn}
	}

	store := mock.NewStore()
	sink := event.NewSink(store)
	sink.Register("run-1")
	t.Cleanup(func() {
		_ = sink.Drain(context.Background(), "run-1")
	})

	sc := &StageContext{
		Snapshot: &Snapshot{RunID: "run-1", RequestID: "req-1", Service: "chat"},
		Ports:    &Ports{},
		Events:   sink,
		Cancel:   NewCancelHandle("run-1", time.Time{}),
	}
	return g, stages, sc, store
}

func ok(results map[string]any) func(context.Context, *StageContext) Output {
	return func(context.Context, *StageContext) Output { return OK(results) }
}

func TestSchedulerRunsStrataInOrder(t *testing.T) {
	t.Parallel()

	def := Definition{Name: "p", Specs: []StageSpec{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	}}

	var order []string
	g, stages, sc, _ := newTestHarness(t, def, map[string]func(context.Context, *StageContext) Output{
		"a": func(context.Context, *StageContext) Output {
			order = append(order, "a")
			return OK(map[string]any{"x": 1})
		},
		"b": func(_ context.Context, sc *StageContext) Output {
			order = append(order, "b")
			if _, found := sc.Result("a", "x"); !found {
				t.Error("b cannot read a's output")
			}
			return OK(nil)
		},
		"c": func(context.Context, *StageContext) Output {
			order = append(order, "c")
			return OK(nil)
		},
	})

	res := NewScheduler().Run(context.Background(), g, stages, sc)
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed (err: %v)", res.Status, res.Err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("execution order = %v", order)
	}
	if len(res.Outputs) != 3 {
		t.Errorf("got %d outputs, want 3", len(res.Outputs))
	}
}

func TestSchedulerRunsSiblingsConcurrently(t *testing.T) {
	t.Parallel()

	def := Definition{Name: "p", Specs: []StageSpec{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"a"}},
	}}

	// Each sibling waits for the other; only concurrent execution finishes.
	bReady := make(chan struct{})
	cReady := make(chan struct{})
	g, stages, sc, _ := newTestHarness(t, def, map[string]func(context.Context, *StageContext) Output{
		"a": ok(nil),
		"b": func(ctx context.Context, _ *StageContext) Output {
			close(bReady)
			select {
			case <-cReady:
				return OK(nil)
			case <-ctx.Done():
				return Skip(ReasonCanceled)
			}
		},
		"c": func(ctx context.Context, _ *StageContext) Output {
			close(cReady)
			select {
			case <-bReady:
				return OK(nil)
			case <-ctx.Done():
				return Skip(ReasonCanceled)
			}
		},
	})

	res := NewScheduler(WithStageTimeout(2 * time.Second)).Run(context.Background(), g, stages, sc)
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed", res.Status)
	}
}

func TestSchedulerFailCancelsSiblingsAndStops(t *testing.T) {
	t.Parallel()

	def := Definition{Name: "p", Specs: []StageSpec{
		{Name: "a"},
		{Name: "fails", DependsOn: []string{"a"}},
		{Name: "slow", DependsOn: []string{"a"}},
		{Name: "never", DependsOn: []string{"fails", "slow"}},
	}}

	boom := errors.New("boom")
	var neverRan atomic.Bool
	g, stages, sc, store := newTestHarness(t, def, map[string]func(context.Context, *StageContext) Output{
		"a":     ok(nil),
		"fails": func(context.Context, *StageContext) Output { return Fail(boom) },
		"slow": func(ctx context.Context, sc *StageContext) Output {
			// Cooperatively observe the sibling failure.
			select {
			case <-ctx.Done():
				return Skip(ReasonCanceled)
			case <-time.After(2 * time.Second):
				return OK(nil)
			}
		},
		"never": func(context.Context, *StageContext) Output {
			neverRan.Store(true)
			return OK(nil)
		},
	})

	res := NewScheduler().Run(context.Background(), g, stages, sc)
	if res.Status != storage.RunStatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.FailedStage != "fails" {
		t.Errorf("FailedStage = %q, want fails", res.FailedStage)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want boom", res.Err)
	}
	if neverRan.Load() {
		t.Error("downstream stage ran after failure")
	}

	time.Sleep(20 * time.Millisecond)
	events, _ := store.ListEvents(context.Background(), "run-1")
	var sawFailed bool
	for _, e := range events {
		if e.Type == event.TypeStageFailed && e.Data["stage"] == "fails" {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("missing stage.failed event")
	}
}

func TestSchedulerConditionalSkipByPredicate(t *testing.T) {
	t.Parallel()

	def := Definition{Name: "p", Specs: []StageSpec{
		{Name: "router"},
		{Name: "assess", DependsOn: []string{"router"}, Conditional: true, SkipKey: "skip_assessment"},
	}}

	var assessRan atomic.Bool
	g, stages, sc, _ := newTestHarness(t, def, map[string]func(context.Context, *StageContext) Output{
		"router": ok(map[string]any{"skip_assessment": true}),
		"assess": func(context.Context, *StageContext) Output {
			assessRan.Store(true)
			return OK(nil)
		},
	})

	res := NewScheduler().Run(context.Background(), g, stages, sc)
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed", res.Status)
	}
	if assessRan.Load() {
		t.Error("conditional stage ran despite predicate")
	}
	out := res.Outputs["assess"]
	if out.Status != StatusSkip || out.Reason != ReasonPredicate {
		t.Errorf("assess output = %+v, want skip/predicate", out)
	}
}

func TestSchedulerConditionalSkipPropagatesThroughUpstreamSkip(t *testing.T) {
	t.Parallel()

	def := Definition{Name: "p", Specs: []StageSpec{
		{Name: "a"},
		{Name: "skipper", DependsOn: []string{"a"}},
		{Name: "cond", DependsOn: []string{"skipper"}, Conditional: true},
		{Name: "uncond", DependsOn: []string{"skipper"}},
	}}

	var uncondRan atomic.Bool
	g, stages, sc, _ := newTestHarness(t, def, map[string]func(context.Context, *StageContext) Output{
		"a":       ok(nil),
		"skipper": func(context.Context, *StageContext) Output { return Skip("nothing to do") },
		"cond":    func(context.Context, *StageContext) Output { return OK(nil) },
		"uncond": func(_ context.Context, sc *StageContext) Output {
			uncondRan.Store(true)
			// The skipped upstream is visible as an empty skip output.
			up, found := sc.Upstream("skipper")
			if !found || up.Status != StatusSkip {
				t.Errorf("Upstream(skipper) = %+v, %v", up, found)
			}
			return OK(nil)
		},
	})

	res := NewScheduler().Run(context.Background(), g, stages, sc)
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed", res.Status)
	}
	if out := res.Outputs["cond"]; out.Status != StatusSkip || out.Reason != ReasonUpstreamSkip {
		t.Errorf("cond output = %+v, want skip/upstream_skip", out)
	}
	// Non-conditional stages still run after an upstream skip.
	if !uncondRan.Load() {
		t.Error("unconditional stage did not run after upstream skip")
	}
}

func TestSchedulerCancelStopsFurtherStrata(t *testing.T) {
	t.Parallel()

	def := Definition{Name: "p", Specs: []StageSpec{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
	}}

	var bRan atomic.Bool
	g, stages, sc, _ := newTestHarness(t, def, map[string]func(context.Context, *StageContext) Output{
		"a": func(ctx context.Context, sc *StageContext) Output {
			// Cancellation arrives while the stage is running; it completes
			// and its output is recorded.
			sc.Cancel.Cancel("user_request")
			return OK(nil)
		},
		"b": func(context.Context, *StageContext) Output {
			bRan.Store(true)
			return OK(nil)
		},
	})

	res := NewScheduler().Run(context.Background(), g, stages, sc)
	if res.Status != storage.RunStatusCanceled {
		t.Fatalf("Status = %q, want canceled", res.Status)
	}
	if bRan.Load() {
		t.Error("downstream stage ran after cancel")
	}
	// The completed stage's output survives.
	if out := res.Outputs["a"]; out.Status != StatusOK {
		t.Errorf("a output = %+v, want ok", out)
	}
}

func TestSchedulerStageObservesCancelMidRun(t *testing.T) {
	t.Parallel()

	def := Definition{Name: "p", Specs: []StageSpec{{Name: "a"}}}

	g, stages, sc, _ := newTestHarness(t, def, map[string]func(context.Context, *StageContext) Output{
		"a": func(ctx context.Context, sc *StageContext) Output {
			select {
			case <-sc.Cancel.Done():
				return Skip(ReasonCanceled)
			case <-time.After(2 * time.Second):
				return OK(nil)
			}
		},
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		sc.Cancel.Cancel("user_request")
	}()

	res := NewScheduler().Run(context.Background(), g, stages, sc)
	if res.Status != storage.RunStatusCanceled {
		t.Fatalf("Status = %q, want canceled", res.Status)
	}
}

func TestSchedulerPanicBecomesFail(t *testing.T) {
	t.Parallel()

	def := Definition{Name: "p", Specs: []StageSpec{{Name: "boom"}}}

	g, stages, sc, _ := newTestHarness(t, def, map[string]func(context.Context, *StageContext) Output{
		"boom": func(context.Context, *StageContext) Output {
			panic("nil map write")
		},
	})

	res := NewScheduler().Run(context.Background(), g, stages, sc)
	if res.Status != storage.RunStatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.FailedStage != "boom" {
		t.Errorf("FailedStage = %q, want boom", res.FailedStage)
	}
	if res.Err == nil {
		t.Error("Err = nil, want panic fault")
	}
}

func TestSchedulerSetsAmbientContextFrame(t *testing.T) {
	t.Parallel()

	def := Definition{Name: "p", Specs: []StageSpec{{Name: "a"}}}

	g, stages, sc, _ := newTestHarness(t, def, map[string]func(context.Context, *StageContext) Output{
		"a": func(ctx context.Context, _ *StageContext) Output {
			rc, found := runctx.From(ctx)
			if !found || rc.RunID != "run-1" || rc.RequestID != "req-1" {
				t.Errorf("ambient frame = %+v, %v", rc, found)
			}
			return OK(nil)
		},
	})

	res := NewScheduler().Run(context.Background(), g, stages, sc)
	if res.Status != storage.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed", res.Status)
	}
}
