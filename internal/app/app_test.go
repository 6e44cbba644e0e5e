package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/storage/mock"
	"github.com/voxline/voxline/internal/stream"
	"github.com/voxline/voxline/pkg/provider/llm"
)

const testConfigYAML = `
server:
  listen_addr: ":0"
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
`

// replayLLM streams a fixed chunk script on every request.
type replayLLM struct {
	chunks []llm.Chunk
}

func (r *replayLLM) Generate(context.Context, llm.Request) (*llm.Result, error) {
	return nil, errors.New("not scripted")
}

func (r *replayLLM) Stream(context.Context, llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, len(r.chunks))
	for _, c := range r.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, llmc llm.Client) (*App, *httptest.Server) {
	t.Helper()
	a, err := New(context.Background(), cfg, &Providers{LLM: llmc},
		WithStore(mock.NewStore()),
		WithMetrics(nil),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	return a, ts
}

func wsChat(t *testing.T, url, text string) []stream.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msg, _ := json.Marshal(map[string]any{
		"type":      "chat.request",
		"sessionId": "sess-1",
		"text":      text,
	})
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var frames []stream.Frame
	for i := 0; i < 100; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		var f stream.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", data, err)
		}
		frames = append(frames, f)
		if f.Terminal() {
			return frames
		}
	}
	t.Fatal("no terminal frame within 100 reads")
	return nil
}

func countFrames(frames []stream.Frame, typ stream.FrameType) int {
	n := 0
	for _, f := range frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func TestAppServesHealthAndChat(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, testConfigYAML)
	_, ts := newTestApp(t, cfg, &replayLLM{chunks: []llm.Chunk{
		{Token: "All"},
		{Token: " wired."},
		{FinishReason: "stop", TokensIn: 5, TokensOut: 2},
	}})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", resp.StatusCode)
	}

	frames := wsChat(t, ts.URL, "hello")
	final := frames[len(frames)-1]
	if final.Type != stream.FrameChatComplete {
		t.Fatalf("terminal frame = %s, want chat.complete", final.Type)
	}
	if content, _ := final.Data["content"].(string); content != "All wired." {
		t.Errorf("content = %q, want full reply", content)
	}
	if n := countFrames(frames, stream.FrameChatToken); n != 2 {
		t.Errorf("got %d chat.token frames, want 2", n)
	}
}

func TestAppPolicyOverrideBlocksGeneration(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, testConfigYAML+`
policy:
  overrides:
    pre_llm: block
`)
	_, ts := newTestApp(t, cfg, &replayLLM{chunks: []llm.Chunk{
		{Token: "never delivered"},
		{FinishReason: "stop"},
	}})

	frames := wsChat(t, ts.URL, "hello")
	final := frames[len(frames)-1]
	if final.Type != stream.FrameChatComplete {
		t.Fatalf("terminal frame = %s, want chat.complete (blocked runs still finish)", final.Type)
	}
	if n := countFrames(frames, stream.FrameChatToken); n != 0 {
		t.Errorf("got %d chat.token frames, want 0 under a pre_llm block", n)
	}
}

func TestAppConfigChangeClearsOverride(t *testing.T) {
	t.Parallel()

	blocked := loadConfig(t, testConfigYAML+`
policy:
  overrides:
    pre_llm: block
`)
	a, ts := newTestApp(t, blocked, &replayLLM{chunks: []llm.Chunk{
		{Token: "Unblocked."},
		{FinishReason: "stop"},
	}})

	if n := countFrames(wsChat(t, ts.URL, "first"), stream.FrameChatToken); n != 0 {
		t.Fatalf("got %d tokens before reload, want 0", n)
	}

	a.ApplyConfigChange(blocked, loadConfig(t, testConfigYAML))

	if n := countFrames(wsChat(t, ts.URL, "second"), stream.FrameChatToken); n == 0 {
		t.Error("got 0 tokens after clearing the override, want streamed reply")
	}
}

func TestAppShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, testConfigYAML)
	a, _ := newTestApp(t, cfg, &replayLLM{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
}

func TestBuildProviders_UnknownName(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, testConfigYAML)
	cfg.Providers.LLM.Name = "acme"
	if _, err := BuildProviders(cfg, DefaultRegistry()); err == nil {
		t.Fatal("BuildProviders() with unregistered provider succeeded, want error")
	}
}
