// Package mock provides a test double for the llm.Client interface.
//
// Use Client in unit tests to verify that the pipeline sends correct requests
// and to feed controlled responses without a live LLM backend. All fields are
// safe to set before calling any method; mutating them during a concurrent
// call is the caller's responsibility.
//
// Example:
//
//	c := &mock.Client{
//	    GenerateResult: &llm.Result{Content: "Hello!"},
//	}
//	res, err := c.Generate(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/voxline/voxline/pkg/provider/llm"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the Request passed to Generate.
	Req llm.Request
}

// StreamCall records a single invocation of Stream.
type StreamCall struct {
	// Ctx is the context passed to Stream.
	Ctx context.Context
	// Req is the Request passed to Stream.
	Req llm.Request
}

// Client is a mock implementation of llm.Client.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Client struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// GenerateResult is returned by Generate. May be nil (returns nil, nil).
	GenerateResult *llm.Result

	// GenerateErr, if non-nil, is returned as the error from Generate.
	GenerateErr error

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by Stream. All chunks are sent before the channel is closed,
	// so a mid-stream failure is scripted by ending the slice with a chunk
	// whose Err field is set.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from Stream instead of
	// opening a channel.
	StreamErr error

	// --- Call records (read after test) ---

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []StreamCall
}

// Compile-time interface check.
var _ llm.Client = (*Client)(nil)

// Generate records the call and returns GenerateResult, GenerateErr.
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GenerateCalls = append(c.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})
	return c.GenerateResult, c.GenerateErr
}

// Stream records the call and returns a channel that emits StreamChunks.
// If StreamErr is set, it returns nil, StreamErr without opening a channel.
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	if c.StreamErr != nil {
		err := c.StreamErr
		c.StreamCalls = append(c.StreamCalls, StreamCall{Ctx: ctx, Req: req})
		c.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(c.StreamChunks))
	copy(chunks, c.StreamChunks)
	c.StreamCalls = append(c.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	c.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

// Reset clears all recorded calls. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GenerateCalls = nil
	c.StreamCalls = nil
}
