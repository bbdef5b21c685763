// Package gateway exposes the websocket connection surface: frame codec,
// per-connection pumps, and the HTTP server around them.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/defipilot/defipilot/pkg/models"
)

// Frame types on the wire.
const (
	// Inbound
	FramePing        = "PING"
	FrameChatMessage = "CHAT_MESSAGE"

	// Outbound
	FramePong                  = "PONG"
	FrameConnectionEstablished = "CONNECTION_ESTABLISHED"
	FrameChatResponse          = "CHAT_RESPONSE"
	FrameStreamChunk           = "STREAM_CHUNK"
	FrameStreamEnd             = "STREAM_END"
	FrameError                 = "ERROR"
)

// maxFrameSize bounds a single websocket frame.
const maxFrameSize = 16 << 20

// Frame is the wire envelope for every message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ChatPayload is the inbound CHAT_MESSAGE payload.
type ChatPayload struct {
	Message   string           `json:"message"`
	History   []models.Message `json:"history,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Stream    bool             `json:"stream,omitempty"`
}

const frameSchema = `{
	"type": "object",
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"id": {"type": "string"},
		"payload": {},
		"timestamp": {}
	},
	"required": ["type"]
}`

const chatPayloadSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"history": {"type": "array"},
		"sessionId": {"type": "string"},
		"stream": {"type": "boolean"}
	},
	"required": ["message"]
}`

var (
	compiledFrameSchema       = jsonschema.MustCompileString("frame.json", frameSchema)
	compiledChatPayloadSchema = jsonschema.MustCompileString("chat_payload.json", chatPayloadSchema)
)

// ParseFrame decodes and validates an inbound frame envelope.
func ParseFrame(data []byte) (*Frame, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("frame is not valid JSON: %w", err)
	}
	if err := compiledFrameSchema.Validate(value); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return &frame, nil
}

// ParseChatPayload decodes and validates a CHAT_MESSAGE payload.
func ParseChatPayload(payload json.RawMessage) (*ChatPayload, error) {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := compiledChatPayloadSchema.Validate(value); err != nil {
		return nil, fmt.Errorf("invalid chat payload: %w", err)
	}

	var parsed ChatPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("invalid chat payload: %w", err)
	}
	return &parsed, nil
}

func newFrame(frameType, id string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		Type:      frameType,
		ID:        id,
		Payload:   raw,
		Timestamp: time.Now(),
	})
}

// ConnectionEstablishedFrame announces the assigned session id.
func ConnectionEstablishedFrame(sessionID string) ([]byte, error) {
	return newFrame(FrameConnectionEstablished, "", map[string]any{
		"sessionId": sessionID,
	})
}

// PongFrame answers a PING with the same id.
func PongFrame(id string) ([]byte, error) {
	return newFrame(FramePong, id, map[string]any{})
}

// ChatResponseFrame carries the assembled assistant reply.
func ChatResponseFrame(id, sessionID string, reply *models.AssistantReply) ([]byte, error) {
	return newFrame(FrameChatResponse, id, map[string]any{
		"message":   replyMessage(reply),
		"sessionId": sessionID,
	})
}

// StreamChunkFrame carries one text delta.
func StreamChunkFrame(id, sessionID, delta string) ([]byte, error) {
	return newFrame(FrameStreamChunk, id, map[string]any{
		"delta":     delta,
		"sessionId": sessionID,
	})
}

// StreamEndFrame terminates a streamed response with the full message.
func StreamEndFrame(id, sessionID string, reply *models.AssistantReply) ([]byte, error) {
	return newFrame(FrameStreamEnd, id, map[string]any{
		"message":   replyMessage(reply),
		"sessionId": sessionID,
	})
}

// ErrorFrame carries a terminal error for one request.
func ErrorFrame(id string, desc *models.ErrorDescriptor) ([]byte, error) {
	return newFrame(FrameError, id, map[string]any{
		"error": map[string]any{
			"type":             desc.Code,
			"message":          desc.Message,
			"classification":   desc.Classification,
			"suggestedActions": desc.SuggestedActions,
		},
	})
}

// replyMessage flattens a reply into the wire message shape.
func replyMessage(reply *models.AssistantReply) map[string]any {
	msg := map[string]any{
		"id":        reply.Message.ID,
		"role":      reply.Message.Role,
		"content":   reply.Message.Content,
		"timestamp": reply.Message.Timestamp,
	}
	if len(reply.UIIntents) > 0 {
		msg["uiIntents"] = reply.UIIntents
	}
	if len(reply.ToolResults) > 0 {
		msg["toolResults"] = reply.ToolResults
	}
	if reply.FormattedResults != nil {
		msg["formattedResults"] = reply.FormattedResults
	}
	if reply.Error != nil {
		msg["error"] = reply.Error
	}
	return msg
}
