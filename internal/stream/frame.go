package stream

import "encoding/base64"

// FrameType is the wire discriminator of a client transport frame.
type FrameType string

const (
	FrameStatusUpdate  FrameType = "status.update"
	FrameChatToken     FrameType = "chat.token"
	FrameAudioChunk    FrameType = "voice.audio_chunk"
	FrameTranscript    FrameType = "chat.transcript"
	FrameChatComplete  FrameType = "chat.complete"
	FrameVoiceComplete FrameType = "voice.complete"
	FrameError         FrameType = "error"
)

// StatusCanceled is the status.update status that ends a canceled run's
// stream.
const StatusCanceled = "canceled"

// Frame is one message delivered to the client transport.
type Frame struct {
	Type FrameType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Terminal reports whether the frame ends a run's stream. Terminal frames are
// never dropped by the bridge. A status.update is terminal only when it
// carries the canceled status; every other status frame is informational.
func (f Frame) Terminal() bool {
	switch f.Type {
	case FrameChatComplete, FrameVoiceComplete, FrameError:
		return true
	case FrameStatusUpdate:
		status, _ := f.Data["status"].(string)
		return status == StatusCanceled
	}
	return false
}

// StatusFrame builds a status.update frame.
func StatusFrame(service, status string, metadata map[string]any) Frame {
	data := map[string]any{"service": service, "status": status}
	if len(metadata) > 0 {
		data["metadata"] = metadata
	}
	return Frame{Type: FrameStatusUpdate, Data: data}
}

// TokenFrame builds a chat.token frame.
func TokenFrame(token, runID, requestID string) Frame {
	return Frame{Type: FrameChatToken, Data: map[string]any{
		"token":         token,
		"pipelineRunId": runID,
		"requestId":     requestID,
	}}
}

// AudioFrame builds a voice.audio_chunk frame. The payload travels base64
// encoded.
func AudioFrame(audio []byte, format string, sequence int, final bool) Frame {
	return Frame{Type: FrameAudioChunk, Data: map[string]any{
		"data_base64": base64.StdEncoding.EncodeToString(audio),
		"format":      format,
		"sequence":    sequence,
		"final":       final,
	}}
}

// TranscriptFrame builds a chat.transcript frame.
func TranscriptFrame(transcript string, confidence float64, durationMS int64) Frame {
	return Frame{Type: FrameTranscript, Data: map[string]any{
		"transcript":  transcript,
		"confidence":  confidence,
		"duration_ms": durationMS,
	}}
}

// CompleteFrame builds the terminal chat.complete or voice.complete frame.
func CompleteFrame(typ FrameType, content, runID, requestID string, metadata map[string]any) Frame {
	data := map[string]any{
		"content":       content,
		"pipelineRunId": runID,
		"requestId":     requestID,
	}
	if len(metadata) > 0 {
		data["metadata"] = metadata
	}
	return Frame{Type: typ, Data: data}
}

// CanceledFrame builds the terminal status.update frame of a canceled run.
func CanceledFrame(service, reason, runID, requestID string) Frame {
	return StatusFrame(service, StatusCanceled, map[string]any{
		"pipelineRunId": runID,
		"requestId":     requestID,
		"reason":        reason,
	})
}

// ErrorFrame builds the terminal error frame.
func ErrorFrame(code, message, requestID string) Frame {
	data := map[string]any{"code": code, "message": message}
	if requestID != "" {
		data["requestId"] = requestID
	}
	return Frame{Type: FrameError, Data: data}
}
