// Package mock provides a test double for the stt.Client interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxline/voxline/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the Request passed to Transcribe.
	Req stt.Request
}

// Client is a mock implementation of stt.Client. Zero values for response
// fields cause Transcribe to return nil, nil; set Err to inject a failure.
type Client struct {
	mu sync.Mutex

	// TranscribeResult is returned by Transcribe.
	TranscribeResult *stt.Result

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// TranscribeCalls records every invocation in order.
	TranscribeCalls []TranscribeCall
}

// Compile-time interface check.
var _ stt.Client = (*Client)(nil)

// Transcribe records the call and returns TranscribeResult, TranscribeErr.
func (c *Client) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TranscribeCalls = append(c.TranscribeCalls, TranscribeCall{Ctx: ctx, Req: req})
	return c.TranscribeResult, c.TranscribeErr
}

// Reset clears all recorded calls. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TranscribeCalls = nil
}
