// Package openai provides an STT client backed by the OpenAI audio
// transcriptions API (Whisper).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxline/voxline/pkg/provider/stt"
)

// defaultModel is used when the request names no model.
const defaultModel = "whisper-1"

// Client implements stt.Client using the OpenAI audio transcriptions API.
type Client struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the client.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel overrides the default transcription model.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI STT Client.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Client{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Compile-time interface check.
var _ stt.Client = (*Client)(nil)

// Transcribe implements stt.Client.
func (c *Client) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("openai stt: empty audio payload")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	format := req.Format
	if format == "" {
		format = "wav"
	}

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(model),
		File:  oai.File(bytes.NewReader(req.Audio), "audio."+format, "audio/"+format),
	}
	if req.Language != "" {
		params.Language = param.NewOpt(req.Language)
	}

	start := time.Now()
	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	return &stt.Result{
		Transcript: resp.Text,
		// The JSON response format carries no confidence; report the
		// request round-trip as the duration measurement.
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
