// Package mock provides a test double for the tts.Client interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxline/voxline/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the Request passed to Synthesize.
	Req tts.Request
}

// Client is a mock implementation of tts.Client. Each Synthesize call returns
// the next element of SynthesizeResults; when the slice is exhausted the last
// element is repeated. Set SynthesizeErr to inject a failure.
type Client struct {
	mu sync.Mutex

	// SynthesizeResults is the sequence of results returned by successive
	// Synthesize calls. Nil yields an empty result.
	SynthesizeResults []*tts.Result

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeCalls records every invocation in order.
	SynthesizeCalls []SynthesizeCall
}

// Compile-time interface check.
var _ tts.Client = (*Client)(nil)

// Synthesize records the call and returns the next scripted result.
func (c *Client) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SynthesizeCalls = append(c.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	if c.SynthesizeErr != nil {
		return nil, c.SynthesizeErr
	}
	if len(c.SynthesizeResults) == 0 {
		return &tts.Result{}, nil
	}
	idx := len(c.SynthesizeCalls) - 1
	if idx >= len(c.SynthesizeResults) {
		idx = len(c.SynthesizeResults) - 1
	}
	return c.SynthesizeResults[idx], nil
}

// Reset clears all recorded calls. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SynthesizeCalls = nil
}
