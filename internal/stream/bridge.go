// Package stream implements the streaming bridge: per-run channels carrying
// incremental artifacts (LLM tokens, synthesized audio chunks, status frames)
// from pipeline stages to the client transport without blocking the
// scheduler.
//
// Writes are non-blocking with a bounded buffer per queue; on overflow the
// oldest frame is dropped and a "stream.dropped" event is emitted. Terminal
// frames are never dropped. All frames for a single run are delivered in emit
// order; frames are never cross-ordered between runs.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/runctx"
)

// defaultFrameCapacity bounds the per-run client frame queue.
const defaultFrameCapacity = 128

// Dropped is called when a non-terminal frame is discarded on overflow. The
// bridge uses it to emit "stream.dropped".
type Dropped func(runID string, typ FrameType)

// Run is the streaming state of one pipeline run: the client frame queue plus
// the two intra-run side channels that let a TTS stage consume the LLM's
// incremental output before the LLM finishes.
type Run struct {
	runID  string
	frames *Queue[Frame]

	// Tokens receives every LLM token in emit order.
	Tokens *Queue[string]

	// PartialText receives commit-eligible spans (sentence boundaries) for
	// incremental synthesis.
	PartialText *Queue[string]

	dropped Dropped
}

// Send delivers a frame to the client queue. Non-terminal frames drop the
// oldest buffered frame on overflow; terminal frames block until buffered.
func (r *Run) Send(f Frame) {
	if f.Terminal() {
		r.frames.PushBlocking(f)
		return
	}
	if r.frames.Push(f) && r.dropped != nil {
		r.dropped(r.runID, f.Type)
	}
}

// Frames returns the consumer channel read by the client transport pump.
func (r *Run) Frames() <-chan Frame { return r.frames.C() }

// Bridge owns the per-run streaming state. Safe for concurrent use.
type Bridge struct {
	log      *slog.Logger
	sink     *event.Sink
	capacity int

	mu   sync.Mutex
	runs map[string]*Run
}

// Option is a functional option for Bridge.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		b.log = log
	}
}

// WithFrameCapacity bounds each run's frame and side-channel queues.
func WithFrameCapacity(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// NewBridge creates a bridge that reports dropped frames to sink. sink may be
// nil in tests; drops are then only logged.
func NewBridge(sink *event.Sink, opts ...Option) *Bridge {
	b := &Bridge{
		log:      slog.Default(),
		sink:     sink,
		capacity: defaultFrameCapacity,
		runs:     map[string]*Run{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Open creates the streaming state for a run. Opening an already open run
// returns the existing state.
func (b *Bridge) Open(runID string) *Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.runs[runID]; ok {
		return r
	}
	r := &Run{
		runID:       runID,
		frames:      NewQueue[Frame](b.capacity),
		Tokens:      NewQueue[string](b.capacity),
		PartialText: NewQueue[string](b.capacity),
		dropped:     b.onDrop,
	}
	b.runs[runID] = r
	return r
}

// Get returns the streaming state for a run, if open.
func (b *Bridge) Get(runID string) (*Run, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	return r, ok
}

// Close ends a run's stream: the frame queue and side channels are closed so
// consumers drain and stop, and the run is forgotten. Idempotent. Only the
// run controller calls Close, after it has sent the terminal frame; producers
// must be done by then.
func (b *Bridge) Close(runID string) {
	b.mu.Lock()
	r, ok := b.runs[runID]
	if ok {
		delete(b.runs, runID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	r.frames.Close()
	r.Tokens.Close()
	r.PartialText.Close()
}

// Forwarder adapts the bridge to the event sink's fan-out hook: allowlisted
// events become status frames on the run's stream.
func (b *Bridge) Forwarder() event.Forwarder {
	return func(runID string, e event.Event) {
		r, ok := b.Get(runID)
		if !ok {
			return
		}
		service, _ := e.Data["service"].(string)
		r.Send(StatusFrame(service, e.Type, e.Data))
	}
}

// onDrop logs and emits "stream.dropped" for a discarded frame.
func (b *Bridge) onDrop(runID string, typ FrameType) {
	b.log.Debug("stream frame dropped", "run_id", runID, "frame_type", string(typ))
	if b.sink == nil {
		return
	}
	ctx := runctx.With(context.Background(), runctx.RunContext{RunID: runID})
	b.sink.Emit(ctx, event.TypeStreamDropped, map[string]any{
		"frame_type": string(typ),
	})
}
