package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/run"
	"github.com/voxline/voxline/internal/stream"
)

// writeTimeout bounds a single frame write to a slow client.
const writeTimeout = 5 * time.Second

// clientMessage is one inbound WebSocket message. The type field selects which
// of the remaining fields apply.
type clientMessage struct {
	Type string `json:"type"`

	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`

	// chat.request
	Text string `json:"text"`

	// voice.request
	AudioBase64 string `json:"audioBase64"`
	AudioFormat string `json:"audioFormat"`
	Language    string `json:"language"`

	Topology    string           `json:"topology"`
	Mode        string           `json:"mode"`
	QualityMode string           `json:"qualityMode"`
	Behavior    map[string]any   `json:"behavior"`
	Vocabulary  []string         `json:"vocabulary"`
	History     []historyMessage `json:"history"`

	// cancel, resync
	PipelineRunID string `json:"pipelineRunId"`
	Reason        string `json:"reason"`
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wsConn wraps one accepted connection. Frame pumps for concurrent runs share
// the connection, so writes are serialized.
type wsConn struct {
	conn *websocket.Conn
	log  *slog.Logger

	principalID string
	tenantID    string

	writeMu sync.Mutex
}

// send marshals and writes one frame. Write errors are logged, not returned;
// the read loop notices the dead connection on its own.
func (c *wsConn) send(ctx context.Context, f stream.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("failed to marshal frame", "frame_type", string(f.Type), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("frame write failed", "frame_type", string(f.Type), "error", err)
	}
}

// handleWS upgrades the connection and serves the message loop until the
// client disconnects. Each request message starts one pipeline run whose
// frames are pumped back over this connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveConnections.Add(r.Context(), 1)
		defer s.deps.Metrics.ActiveConnections.Add(context.Background(), -1)
	}

	c := &wsConn{
		conn:        conn,
		log:         s.log,
		principalID: r.Header.Get("X-Principal-Id"),
		tenantID:    r.Header.Get("X-Tenant-Id"),
	}

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			s.log.Debug("websocket read ended", "error", err)
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(ctx, stream.ErrorFrame("validation", "malformed message", ""))
			continue
		}
		s.dispatch(ctx, c, msg)
	}
}

// dispatch routes one client message.
func (s *Server) dispatch(ctx context.Context, c *wsConn, msg clientMessage) {
	switch msg.Type {
	case "chat.request":
		s.startRun(ctx, c, msg, "chat")
	case "voice.request":
		s.startRun(ctx, c, msg, "voice")
	case "cancel":
		s.handleCancel(ctx, c, msg)
	case "resync":
		s.handleResync(ctx, c, msg)
	default:
		c.send(ctx, stream.ErrorFrame("validation", "unknown message type: "+msg.Type, msg.RequestID))
	}
}

// startRun validates the request, opens the run's stream, and executes the
// pipeline in the background while this connection pumps its frames.
func (s *Server) startRun(ctx context.Context, c *wsConn, msg clientMessage, channel string) {
	req, err := buildRequest(msg, channel, c.principalID, c.tenantID)
	if err != nil {
		c.send(ctx, stream.ErrorFrame(fault.ErrorType(err), err.Error(), msg.RequestID))
		return
	}

	runID := uuid.NewString()
	streamRun := s.deps.Bridge.Open(runID)

	// The accepted status carries the run ID so the client can cancel or
	// resync.
	c.send(ctx, stream.StatusFrame(req.Service, "accepted", map[string]any{
		"pipelineRunId": runID,
		"requestId":     req.RequestID,
	}))

	// The pump reads until the controller closes the run's stream. It must
	// outlive request cancellation so a client that drops mid-run does not
	// strand the queue; writes to the dead connection just fail.
	go func() {
		for f := range streamRun.Frames() {
			c.send(ctx, f)
		}
	}()

	go func() {
		// The run is decoupled from the connection's lifetime; a dropped
		// client cancels via deadline, not via context.
		if _, err := s.deps.Controller.Execute(context.Background(), runID, req); err != nil {
			s.log.Error("run execution failed",
				"run_id", runID, "request_id", req.RequestID, "error", err)
		}
	}()
}

// handleCancel forwards a cancel request to the live run, if any. Only the
// run's owner may cancel it; knowing a run ID is not enough. A run with no
// row yet falls through to the registry, which has no handle for it either.
func (s *Server) handleCancel(ctx context.Context, c *wsConn, msg clientMessage) {
	if msg.PipelineRunID == "" {
		c.send(ctx, stream.ErrorFrame("validation", "cancel requires pipelineRunId", msg.RequestID))
		return
	}
	if rec, err := s.deps.Store.GetRun(ctx, msg.PipelineRunID); err == nil && rec.PrincipalID != c.principalID {
		c.send(ctx, stream.ErrorFrame("authorization", "run belongs to another principal", msg.RequestID))
		return
	}
	ok := s.deps.Cancels.RequestCancel(ctx, msg.PipelineRunID, msg.Reason)
	c.send(ctx, stream.StatusFrame("", "cancel.acknowledged", map[string]any{
		"pipelineRunId": msg.PipelineRunID,
		"accepted":      ok,
	}))
}

// handleResync replays a run's terminal outcome from the event log so a
// reconnecting client learns how its run ended.
func (s *Server) handleResync(ctx context.Context, c *wsConn, msg clientMessage) {
	if msg.PipelineRunID == "" {
		c.send(ctx, stream.ErrorFrame("validation", "resync requires pipelineRunId", msg.RequestID))
		return
	}
	ev, err := s.deps.Store.LatestTerminalEvent(ctx, msg.PipelineRunID)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			c.send(ctx, stream.StatusFrame("", "resync.pending", map[string]any{
				"pipelineRunId": msg.PipelineRunID,
			}))
			return
		}
		c.send(ctx, stream.ErrorFrame(fault.ErrorType(err), "resync failed", msg.RequestID))
		return
	}
	c.send(ctx, stream.StatusFrame("", ev.Type, map[string]any{
		"pipelineRunId": msg.PipelineRunID,
		"outcome":       ev.Data,
	}))
}

// buildRequest maps a client message onto a run request.
func buildRequest(msg clientMessage, channel, principalID, tenantID string) (run.Request, error) {
	req := run.Request{
		RequestID:   msg.RequestID,
		SessionID:   msg.SessionID,
		PrincipalID: principalID,
		TenantID:    tenantID,
		Service:     channel,
		Topology:    msg.Topology,
		Mode:        msg.Mode,
		QualityMode: msg.QualityMode,
		Channel:     channel,
		InputText:   msg.Text,
		AudioFormat: msg.AudioFormat,
		Language:    msg.Language,
		Behavior:    msg.Behavior,
		Vocabulary:  msg.Vocabulary,
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.SessionID == "" {
		return run.Request{}, fault.New(fault.KindValidation, "server: request requires sessionId")
	}

	for _, m := range msg.History {
		req.History = append(req.History, pipeline.Message{Role: m.Role, Content: m.Content})
	}

	switch channel {
	case "chat":
		if msg.Text == "" {
			return run.Request{}, fault.New(fault.KindValidation, "server: chat request requires text")
		}
	case "voice":
		if msg.AudioBase64 == "" {
			return run.Request{}, fault.New(fault.KindValidation, "server: voice request requires audio")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
		if err != nil {
			return run.Request{}, fault.New(fault.KindValidation, "server: audio is not valid base64")
		}
		req.Audio = audio
	}
	return req, nil
}
