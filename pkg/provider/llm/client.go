// Package llm defines the Client interface for Large Language Model backends.
//
// An LLM client wraps a remote or local model API (e.g., OpenAI, Anthropic,
// or an Ollama instance) and exposes a uniform interface for the Voxline
// pipeline to perform one-shot generations and token streams without coupling
// to any specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// Stream must be closed by the implementation when the stream ends or when
// the supplied context is cancelled.
package llm

import "context"

// Message is a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name for multi-speaker contexts.
	Name string
}

// Request carries everything the model needs to produce a response. At
// minimum Messages must be non-empty; Model selects the target model within
// the backend.
type Request struct {
	// Model is the backend-specific model identifier (e.g., "gpt-4o-mini").
	Model string

	// SystemPrompt is a high-priority instruction injected before the
	// conversation history. Backends without a dedicated system slot prepend
	// it as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation history; the last message drives
	// the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests
	// the backend default.
	Temperature float64

	// MaxTokens caps completion tokens. Zero means backend default.
	MaxTokens int
}

// Result is the full response from a non-streaming generation.
type Result struct {
	// Content is the complete assistant reply.
	Content string

	// TokensIn counts prompt tokens consumed.
	TokensIn int

	// TokensOut counts completion tokens generated.
	TokensOut int

	// CachedTokens counts prompt tokens served from the backend's prompt
	// cache, when the backend reports them. Zero otherwise.
	CachedTokens int

	// FinishReason indicates why generation stopped ("stop", "length").
	FinishReason string
}

// Chunk is a single increment of a streaming generation. A chunk may carry a
// token, a finish signal with usage totals, an error, or a combination.
type Chunk struct {
	// Token is the incremental text. Empty on pure control chunks.
	Token string

	// FinishReason is set on the final chunk ("stop", "length"); empty
	// otherwise. Implementations close the channel after emitting it.
	FinishReason string

	// TokensIn, TokensOut, and CachedTokens carry usage totals on the final
	// chunk when the backend reports them mid-stream. Zero otherwise.
	TokensIn     int
	TokensOut    int
	CachedTokens int

	// Err is set when the stream failed after it was opened. The channel is
	// closed after the error chunk; no further tokens follow.
	Err error
}

// Client is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled each method returns (or closes
// its channel) as quickly as possible.
type Client interface {
	// Generate sends req and waits for the complete response.
	Generate(ctx context.Context, req Request) (*Result, error)

	// Stream sends req and returns a read-only channel emitting [Chunk]
	// values as they arrive. The channel is closed by the implementation when
	// generation finishes, fails, or ctx is cancelled. Callers must drain the
	// channel to avoid goroutine leaks.
	//
	// The initial error return is non-nil only for failures that prevent the
	// stream from starting; errors after that arrive as a [Chunk] with Err
	// set. The returned channel is never nil when error is nil.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
