// Package llm integrates LLM providers behind a single streaming interface
// and wraps them with retries, circuit breaking, and prompt validation.
package llm

import (
	"context"
	"encoding/json"

	"github.com/defipilot/defipilot/pkg/models"
)

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a single completion request. Messages hold the full
// conversation; the system prompt travels separately because providers
// disagree on where it goes.
type Request struct {
	System   string
	Messages []models.Message
	Tools    []ToolSpec

	// Model overrides the configured default when non-empty.
	Model     string
	MaxTokens int

	// Temperature overrides the configured default when non-nil. An explicit
	// zero is a valid setting, so nil marks "unset".
	Temperature *float64
}

// Chunk is one unit of a provider stream. Exactly one of Text, ToolCall,
// Done, or Err is meaningful per chunk; Done carries final token counts.
type Chunk struct {
	Text         string
	ToolCall     *models.ToolCall
	Done         bool
	InputTokens  int
	OutputTokens int
	Err          error
}

// Completion is a fully collected model response.
type Completion struct {
	Content      string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Provider is a thin streaming client for one LLM backend. Implementations
// return a channel that delivers chunks as they arrive and close it after
// the terminal chunk (Done or Err). Creation-time failures are returned
// directly so callers can classify and retry them.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream starts a completion and returns the chunk channel.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// StreamEvent is what the adapter forwards to streaming consumers: text
// deltas followed by exactly one terminal event (Done or Err set).
type StreamEvent struct {
	Delta string
	Done  bool
	Err   error
}

// Sink receives stream events in order.
type Sink func(StreamEvent)
