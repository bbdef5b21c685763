package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/defipilot/defipilot/pkg/models"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{"ping", `{"type":"PING","id":"p1"}`, FramePing, false},
		{"chat", `{"type":"CHAT_MESSAGE","id":"m1","payload":{"message":"hi"}}`, FrameChatMessage, false},
		{"with timestamp", `{"type":"PING","timestamp":"2026-08-25T12:00:00Z"}`, FramePing, false},
		{"unknown type still parses", `{"type":"WHATEVER"}`, "WHATEVER", false},
		{"missing type", `{"id":"x"}`, "", true},
		{"empty type", `{"type":""}`, "", true},
		{"type not a string", `{"type":42}`, "", true},
		{"not JSON", `{{{`, "", true},
		{"not an object", `[1,2]`, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := ParseFrame([]byte(tc.data))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", frame)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if frame.Type != tc.wantType {
				t.Errorf("Type = %q, want %q", frame.Type, tc.wantType)
			}
		})
	}
}

func TestParseChatPayload(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"minimal", `{"message":"hi"}`, false},
		{"with session", `{"message":"hi","sessionId":"s1"}`, false},
		{"with history", `{"message":"hi","history":[{"role":"user","content":"earlier"}]}`, false},
		{"with stream flag", `{"message":"hi","stream":true}`, false},
		{"missing message", `{"sessionId":"s1"}`, true},
		{"empty message", `{"message":""}`, true},
		{"message not a string", `{"message":42}`, true},
		{"history not an array", `{"message":"hi","history":"nope"}`, true},
		{"not JSON", `{`, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := ParseChatPayload(json.RawMessage(tc.data))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseChatPayloadFields(t *testing.T) {
	payload, err := ParseChatPayload(json.RawMessage(
		`{"message":"what is gas?","sessionId":"s9","stream":true,"history":[{"role":"user","content":"x"}]}`))
	if err != nil {
		t.Fatalf("ParseChatPayload: %v", err)
	}
	if payload.Message != "what is gas?" || payload.SessionID != "s9" || !payload.Stream {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.History) != 1 || payload.History[0].Role != models.RoleUser {
		t.Errorf("history = %+v", payload.History)
	}
}

func decodeFrame(t *testing.T, data []byte, err error) (Frame, map[string]any) {
	t.Helper()
	if err != nil {
		t.Fatalf("frame build failed: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame not valid JSON: %v", err)
	}
	var payload map[string]any
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			t.Fatalf("payload not valid JSON: %v", err)
		}
	}
	return frame, payload
}

func TestPongFrameEchoesID(t *testing.T) {
	data, err := PongFrame("ping-42")
	frame, _ := decodeFrame(t, data, err)
	if frame.Type != FramePong {
		t.Errorf("Type = %s, want PONG", frame.Type)
	}
	if frame.ID != "ping-42" {
		t.Errorf("ID = %s, want ping-42", frame.ID)
	}
	if frame.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestConnectionEstablishedFrame(t *testing.T) {
	data, err := ConnectionEstablishedFrame("sess-1")
	frame, payload := decodeFrame(t, data, err)
	if frame.Type != FrameConnectionEstablished {
		t.Errorf("Type = %s", frame.Type)
	}
	if payload["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v", payload["sessionId"])
	}
}

func TestChatResponseFrame(t *testing.T) {
	reply := &models.AssistantReply{
		Message: models.Message{
			ID:        "m1",
			Role:      models.RoleAssistant,
			Content:   "Gas is 15 gwei.",
			Timestamp: time.Now(),
		},
		UIIntents: []models.UIIntent{{Type: models.UIIntentRenderComponent, Component: models.ComponentNetworkStatus}},
		ToolResults: []models.ToolExecution{
			{ToolName: "get_gas_prices", ToolCallID: "c1", Success: true, Result: json.RawMessage(`{}`)},
		},
		FormattedResults: &models.FormattedResults{
			Results: []models.FormattedResult{{Type: "gas_prices", Success: true}},
		},
	}

	data, err := ChatResponseFrame("req-1", "sess-1", reply)
	frame, payload := decodeFrame(t, data, err)
	if frame.Type != FrameChatResponse || frame.ID != "req-1" {
		t.Errorf("frame = %+v", frame)
	}
	if payload["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v", payload["sessionId"])
	}

	msg, ok := payload["message"].(map[string]any)
	if !ok {
		t.Fatalf("message missing: %v", payload)
	}
	if msg["content"] != "Gas is 15 gwei." {
		t.Errorf("content = %v", msg["content"])
	}
	if _, ok := msg["uiIntents"]; !ok {
		t.Error("uiIntents missing")
	}
	if _, ok := msg["toolResults"]; !ok {
		t.Error("toolResults missing")
	}
	if _, ok := msg["formattedResults"]; !ok {
		t.Error("formattedResults missing")
	}
	if _, ok := msg["error"]; ok {
		t.Error("error should be omitted on success")
	}
}

func TestStreamFrames(t *testing.T) {
	data, err := StreamChunkFrame("req-1", "sess-1", "partial ")
	frame, payload := decodeFrame(t, data, err)
	if frame.Type != FrameStreamChunk {
		t.Errorf("Type = %s", frame.Type)
	}
	if payload["delta"] != "partial " {
		t.Errorf("delta = %v", payload["delta"])
	}

	reply := &models.AssistantReply{Message: models.Message{Content: "full answer"}}
	data, err = StreamEndFrame("req-1", "sess-1", reply)
	frame, payload = decodeFrame(t, data, err)
	if frame.Type != FrameStreamEnd {
		t.Errorf("Type = %s", frame.Type)
	}
	msg := payload["message"].(map[string]any)
	if msg["content"] != "full answer" {
		t.Errorf("content = %v", msg["content"])
	}
}

func TestErrorFrame(t *testing.T) {
	desc := models.NewErrorDescriptor(models.ErrCodeRateLimit, "slow down")
	data, err := ErrorFrame("req-1", desc)
	frame, payload := decodeFrame(t, data, err)
	if frame.Type != FrameError || frame.ID != "req-1" {
		t.Errorf("frame = %+v", frame)
	}

	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("error missing: %v", payload)
	}
	if errObj["type"] != models.ErrCodeRateLimit {
		t.Errorf("type = %v", errObj["type"])
	}
	if errObj["message"] != "slow down" {
		t.Errorf("message = %v", errObj["message"])
	}
	if _, ok := errObj["classification"]; !ok {
		t.Error("classification missing")
	}
}
