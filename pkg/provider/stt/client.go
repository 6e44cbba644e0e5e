// Package stt defines the Client interface for Speech-to-Text backends.
//
// An STT client wraps a transcription service (e.g., the OpenAI audio API or
// a self-hosted Whisper server) behind a single batch Transcribe call: one
// utterance in, one authoritative transcript out. Implementations must be
// safe for concurrent use; multiple utterances may be transcribed in
// parallel.
package stt

import "context"

// Request describes one utterance to transcribe.
type Request struct {
	// Audio is the encoded audio payload.
	Audio []byte

	// Format names the container/codec of Audio (e.g., "wav", "ogg", "mp3").
	Format string

	// Language is the BCP-47 language tag. Empty lets the backend detect.
	Language string

	// Model is the backend-specific model identifier. Empty means backend
	// default.
	Model string
}

// WordTiming is a per-word timestamp within a transcript, when the backend
// provides word-level alignment.
type WordTiming struct {
	Word    string
	StartMS int64
	EndMS   int64
}

// Result is the committed transcription of one utterance.
type Result struct {
	// Transcript is the recognised text.
	Transcript string

	// Confidence is the backend's overall confidence in [0.0, 1.0]. Backends
	// that report no confidence return 0.
	Confidence float64

	// DurationMS is the audio duration as measured by the backend.
	DurationMS int64

	// Words holds word-level timings when available; nil otherwise.
	Words []WordTiming
}

// Client is the abstraction over any STT backend.
type Client interface {
	// Transcribe converts one audio utterance to text. It returns an error if
	// the backend rejects the request or ctx is cancelled first.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
