// Package tts defines the Client interface for Text-to-Speech backends.
//
// A TTS client wraps a speech synthesis service behind a batch Synthesize
// call. Pipelines that stream LLM output into synthesis do so by calling
// Synthesize once per committed text span; backends that support true
// incremental synthesis may additionally implement [StreamClient].
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request describes one span of text to synthesise.
type Request struct {
	// Text is the text to speak.
	Text string

	// Voice is the backend-specific voice identifier.
	Voice string

	// Format names the desired output encoding (e.g., "pcm16", "mp3", "opus").
	Format string

	// Speed adjusts the speaking rate; 1.0 is the backend default. Zero is
	// treated as 1.0.
	Speed float64

	// Model is the backend-specific model identifier. Empty means backend
	// default.
	Model string
}

// Result is the synthesised audio for one request.
type Result struct {
	// Audio is the encoded audio payload.
	Audio []byte

	// Format names the encoding of Audio.
	Format string

	// DurationMS is the audio duration when the backend reports it; zero
	// otherwise.
	DurationMS int64
}

// Chunk is one increment of a streaming synthesis.
type Chunk struct {
	// Audio is the incremental audio payload.
	Audio []byte

	// Err is set when the stream failed after it was opened. The channel is
	// closed after the error chunk.
	Err error
}

// Client is the abstraction over any TTS backend.
type Client interface {
	// Synthesize converts one text span to audio. It returns an error if the
	// backend rejects the request or ctx is cancelled first.
	Synthesize(ctx context.Context, req Request) (*Result, error)
}

// StreamClient is implemented by backends that can synthesise a stream of
// text spans into a stream of audio chunks. The text channel is supplied by
// the caller and must be closed by the caller; the returned audio channel is
// closed by the implementation when synthesis finishes or ctx is cancelled.
type StreamClient interface {
	Client

	SynthesizeStream(ctx context.Context, text <-chan string, req Request) (<-chan Chunk, error)
}
