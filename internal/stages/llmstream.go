package stages

import (
	"context"
	"strings"
	"time"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/stream"
	"github.com/voxline/voxline/pkg/provider/llm"
)

// defaultSystemPrompt is used when the session behavior carries no prompt.
const defaultSystemPrompt = "You are a helpful, concise voice and chat assistant."

// llmStream streams the model's response through the gateway. Every token is
// forwarded to the client frame queue, the token side channel, and the event
// log; commit-eligible sentence spans are pushed to the partial-text queue so
// a synthesize stage can start speaking before generation finishes.
type llmStream struct {
	ports *pipeline.Ports
}

func newLLMStream(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &llmStream{ports: ports}, nil
}

func (l *llmStream) Name() string { return StageLLMStream }

func (l *llmStream) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	// The partial-text and token channels are owned by this stage as
	// producer; a concurrent synthesize stage drains them until close. They
	// must close on every exit path or the consumer never finishes.
	defer func() {
		if l.ports.Stream != nil {
			l.ports.Stream.PartialText.Close()
			l.ports.Stream.Tokens.Close()
		}
	}()

	if sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	req := l.buildRequest(sc)

	var (
		content  strings.Builder
		pending  strings.Builder
		usage    gateway.Usage
		finish   string
		start    = time.Now()
		ttft     time.Duration
		canceled bool
	)

	call := gateway.Call{
		Operation: gateway.OpLLMStream,
		Provider:  sc.StringResult(StageRouter, "provider"),
		Model:     req.Model,
	}
	err := l.ports.Gateway.Invoke(ctx, call, func(callCtx context.Context) (gateway.Usage, error) {
		ch, serr := l.ports.LLM.Stream(callCtx, req)
		if serr != nil {
			return usage, serr
		}
		for chunk := range ch {
			if chunk.Err != nil {
				return usage, chunk.Err
			}
			if chunk.Token != "" {
				if ttft == 0 {
					ttft = time.Since(start)
				}
				content.WriteString(chunk.Token)
				pending.WriteString(chunk.Token)
				l.emitToken(ctx, sc, chunk.Token)
				l.commitSentences(ctx, sc, &pending)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			if chunk.TokensIn > 0 || chunk.TokensOut > 0 {
				usage = gateway.Usage{
					TokensIn:     chunk.TokensIn,
					TokensOut:    chunk.TokensOut,
					CachedTokens: chunk.CachedTokens,
				}
			}
			if sc.Cancel.Canceled() {
				canceled = true
				// The provider closes the channel on context cancellation;
				// drain in the background so it never blocks.
				go func() {
					for range ch {
					}
				}()
				return usage, nil
			}
		}
		return usage, nil
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	if canceled || sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	// Commit whatever trails the last sentence boundary.
	if rest := strings.TrimSpace(pending.String()); rest != "" && l.ports.Stream != nil {
		l.pushSpan(ctx, sc, rest)
	}

	return pipeline.OK(map[string]any{
		"content":                content.String(),
		"finish_reason":          finish,
		"tokens_in":              usage.TokensIn,
		"tokens_out":             usage.TokensOut,
		"cached_tokens":          usage.CachedTokens,
		"time_to_first_token_ms": ttft.Milliseconds(),
	})
}

// buildRequest assembles the model request from the router's parameters, the
// enriched history, and the resolved user utterance.
func (l *llmStream) buildRequest(sc *pipeline.StageContext) llm.Request {
	snap := sc.Snapshot

	systemPrompt := defaultSystemPrompt
	if p, ok := snap.Behavior["system_prompt"].(string); ok && p != "" {
		systemPrompt = p
	}

	var messages []llm.Message
	if history, ok := sc.Result(StageEnrich, "history"); ok {
		if msgs, ok := history.([]pipeline.Message); ok {
			for _, m := range msgs {
				messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
			}
		}
	} else {
		for _, m := range snap.History {
			messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	messages = append(messages, llm.Message{Role: "user", Content: inputText(sc)})

	model := sc.StringResult(StageRouter, "model")
	if model == "" {
		model = l.ports.Models.LLMModel
	}

	return llm.Request{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Temperature:  floatResult(sc, StageRouter, "temperature"),
		MaxTokens:    intResult(sc, StageRouter, "max_tokens"),
	}
}

// emitToken fans one token out to the client frame queue, the token side
// channel, and the event log.
func (l *llmStream) emitToken(ctx context.Context, sc *pipeline.StageContext, token string) {
	snap := sc.Snapshot
	if l.ports.Stream != nil {
		l.ports.Stream.Send(stream.TokenFrame(token, snap.RunID, snap.RequestID))
		if l.ports.Stream.Tokens.Push(token) {
			l.reportDrop(ctx, sc, "tokens")
		}
	}
	sc.Events.Emit(ctx, event.TypeChatToken, map[string]any{
		"token":         token,
		"pipelineRunId": snap.RunID,
		"requestId":     snap.RequestID,
	})
}

// commitSentences pushes every complete sentence in pending to the
// partial-text queue and keeps the remainder buffered.
func (l *llmStream) commitSentences(ctx context.Context, sc *pipeline.StageContext, pending *strings.Builder) {
	if l.ports.Stream == nil {
		return
	}
	s := pending.String()
	for {
		i := firstSentenceBoundary(s)
		if i < 0 {
			break
		}
		span := strings.TrimSpace(s[:i+1])
		if span != "" {
			l.pushSpan(ctx, sc, span)
		}
		s = s[i+1:]
	}
	pending.Reset()
	pending.WriteString(s)
}

// pushSpan queues one commit-eligible span on the partial-text channel.
func (l *llmStream) pushSpan(ctx context.Context, sc *pipeline.StageContext, span string) {
	if l.ports.Stream.PartialText.Push(span) {
		l.reportDrop(ctx, sc, "partial_text")
	}
}

// reportDrop surfaces a drop-oldest overflow on an intra-run side channel. A
// drop means the consumer may miss a token or skip a synthesized span.
func (l *llmStream) reportDrop(ctx context.Context, sc *pipeline.StageContext, channel string) {
	sc.Events.Emit(ctx, event.TypeStreamDropped, map[string]any{"channel": channel})
}

// firstSentenceBoundary returns the index of the first sentence-terminating
// punctuation that is followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// floatResult reads a numeric upstream result as float64.
func floatResult(sc *pipeline.StageContext, stage, key string) float64 {
	v, _ := sc.Result(stage, key)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// intResult reads a numeric upstream result as int.
func intResult(sc *pipeline.StageContext, stage, key string) int {
	v, _ := sc.Result(stage, key)
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
