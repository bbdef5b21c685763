// Package models provides domain types shared across the DefiPilot server.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a session's conversation history.
//
// Invariants the orchestrator maintains:
//   - ToolCalls is present only on assistant messages that request tools.
//   - ToolCallID is present only on tool messages and references a
//     ToolCalls[i].ID from an earlier assistant message in the same session.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ToolCall is an LLM request to execute a named tool.
// Arguments always hold a JSON object after normalization.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolExecution records the outcome of dispatching one tool call.
type ToolExecution struct {
	ToolName      string          `json:"toolName"`
	ToolCallID    string          `json:"toolCallId"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     string          `json:"errorCode,omitempty"`
	ExecutionTime int64           `json:"executionTime"` // milliseconds
}

// ContentJSON serializes the execution for use as a tool message body. The LLM
// sees this on the next round, so failures are encoded rather than dropped.
func (e ToolExecution) ContentJSON() string {
	if e.Success {
		if len(e.Result) > 0 {
			return string(e.Result)
		}
		return "{}"
	}
	payload, _ := json.Marshal(map[string]any{
		"error":   e.Error,
		"code":    e.ErrorCode,
		"success": false,
	})
	return string(payload)
}

// SessionMetrics counts activity on a session.
type SessionMetrics struct {
	MessageCount  int `json:"messageCount"`
	ToolCallCount int `json:"toolCallCount"`
}

// Session is the per-client conversational context. The session store owns
// all mutation; callers receive copies.
type Session struct {
	ID           string         `json:"id"`
	Messages     []Message      `json:"messages"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Metrics      SessionMetrics `json:"metrics"`
}

// AssistantReply is the fully assembled answer to one inbound utterance.
type AssistantReply struct {
	Message          Message           `json:"message"`
	UIIntents        []UIIntent        `json:"uiIntents,omitempty"`
	ToolResults      []ToolExecution   `json:"toolResults,omitempty"`
	FormattedResults *FormattedResults `json:"formattedResults,omitempty"`
	Error            *ErrorDescriptor  `json:"error,omitempty"`
}

// FormattedResults is the presentation-oriented reshape of tool outputs.
type FormattedResults struct {
	Results    []FormattedResult `json:"results"`
	HasErrors  bool              `json:"hasErrors"`
	ErrorCount int               `json:"errorCount"`
}

// FormattedResult is one reshaped tool output. Type is derived from the tool
// name by a fixed mapping; Data holds the presentation structure.
type FormattedResult struct {
	Type       string         `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	Message    string         `json:"message,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Success    bool           `json:"success"`
}
