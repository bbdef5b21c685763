package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/defipilot/defipilot/pkg/models"
)

// Tool calls reach the server in two shapes: the flat form
//
//	{"id":"...","name":"...","arguments":{...}}
//
// and the nested function form
//
//	{"id":"...","function":{"name":"...","arguments":"{...}"}}
//
// where arguments may additionally be a JSON-encoded string. Normalization
// collapses both into models.ToolCall with an arguments object, and is
// idempotent: normalizing an already-normal call changes nothing.

var errArrayArguments = errors.New("tool call arguments must be an object, not an array")

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// NormalizeToolCall parses one raw tool call in either shape.
func NormalizeToolCall(raw json.RawMessage) (models.ToolCall, error) {
	var parsed rawToolCall
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return models.ToolCall{}, fmt.Errorf("tool call is not valid JSON: %w", err)
	}

	call := models.ToolCall{
		ID:        parsed.ID,
		Name:      parsed.Name,
		Arguments: parsed.Arguments,
	}
	if parsed.Function != nil {
		if call.Name == "" {
			call.Name = parsed.Function.Name
		}
		if len(call.Arguments) == 0 {
			call.Arguments = parsed.Function.Arguments
		}
	}

	return NormalizeCall(call)
}

// NormalizeCall checks the call's identity fields and normalizes its
// arguments payload. A call must carry a non-empty id and name.
func NormalizeCall(call models.ToolCall) (models.ToolCall, error) {
	if call.Name == "" {
		return models.ToolCall{}, errors.New("tool call is missing a name")
	}
	if call.ID == "" {
		return models.ToolCall{}, fmt.Errorf("tool call %s is missing an id", call.Name)
	}

	args, err := NormalizeArguments(call.Arguments)
	if err != nil {
		return models.ToolCall{}, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	call.Arguments = args
	return call, nil
}

// NormalizeArguments coerces an arguments payload to a JSON object. String
// payloads containing encoded JSON are unwrapped; empty payloads become {};
// arrays are rejected.
func NormalizeArguments(args json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}

	// Unwrap a string-encoded payload once. A second wrap is a client bug,
	// not something to chase recursively.
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("arguments string is not valid JSON: %w", err)
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return json.RawMessage("{}"), nil
		}
		trimmed = []byte(inner)
	}

	switch trimmed[0] {
	case '{':
		if !json.Valid(trimmed) {
			return nil, errors.New("arguments are not valid JSON")
		}
		return json.RawMessage(trimmed), nil
	case '[':
		return nil, errArrayArguments
	default:
		return nil, fmt.Errorf("arguments must be a JSON object, got %q", string(trimmed))
	}
}

// Validator normalizes tool calls and validates their arguments against the
// registry before execution.
type Validator struct {
	registry *Registry
	logger   *slog.Logger
}

// NewValidator creates a validator backed by the registry.
func NewValidator(registry *Registry, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{registry: registry, logger: logger}
}

// Filter normalizes a batch of tool calls, dropping invalid ones with a
// warning. Schema validation happens later, per call, so a schema mismatch
// becomes a failed execution the model can see rather than a silent drop.
func (v *Validator) Filter(calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for i, call := range calls {
		normalized, err := NormalizeCall(call)
		if err != nil {
			v.logger.Warn("dropping invalid tool call",
				"index", i,
				"tool", call.Name,
				"error", err)
			continue
		}
		out = append(out, normalized)
	}
	return out
}

// ValidateCall normalizes the call and checks its arguments against the
// tool's schema. The returned call is safe to execute.
func (v *Validator) ValidateCall(call models.ToolCall) (models.ToolCall, error) {
	normalized, err := NormalizeCall(call)
	if err != nil {
		return models.ToolCall{}, err
	}
	if err := v.registry.ValidateArguments(normalized.Name, normalized.Arguments); err != nil {
		return models.ToolCall{}, err
	}
	return normalized, nil
}
