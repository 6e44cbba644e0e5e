// Package openai provides a TTS client backed by the OpenAI speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxline/voxline/pkg/provider/tts"
)

const (
	// defaultModel is used when the request names no model.
	defaultModel = "tts-1"

	// defaultVoice is used when the request names no voice.
	defaultVoice = "alloy"

	// defaultFormat is the output encoding when the request names none.
	defaultFormat = "mp3"
)

// Client implements tts.Client using the OpenAI speech API.
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

// WithModel overrides the default speech model.
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

// New constructs a new OpenAI TTS Client.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
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
var _ tts.Client = (*Client)(nil)

// Synthesize implements tts.Client.
func (c *Client) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("openai tts: empty text")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	voice := req.Voice
	if voice == "" {
		voice = defaultVoice
	}
	format := req.Format
	if format == "" {
		format = defaultFormat
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(format),
	}
	if req.Speed > 0 && req.Speed != 1.0 {
		params.Speed = param.NewOpt(req.Speed)
	}

	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}

	return &tts.Result{
		Audio:  audio,
		Format: format,
	}, nil
}
