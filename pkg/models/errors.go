package models

// Error codes surfaced to clients and embedded in tool messages.
const (
	ErrCodeLLM                  = "LLM_ERROR"
	ErrCodeRateLimit            = "RATE_LIMIT"
	ErrCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeSystemPromptTooLarge = "SYSTEM_PROMPT_TOO_LARGE"
	ErrCodeTool                 = "TOOL_ERROR"
	ErrCodeUnknownTool          = "UNKNOWN_TOOL"
	ErrCodeSessionNotFound      = "SESSION_NOT_FOUND"
	ErrCodeInvalidMessage       = "INVALID_MESSAGE"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeTimeout              = "TIMEOUT"
)

// Severity buckets for error classification.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Classification describes how a client should treat an error.
type Classification struct {
	Category  string   `json:"category"`
	Severity  Severity `json:"severity"`
	Retryable bool     `json:"retryable"`
}

// ErrorDescriptor is the wire shape for every user-visible error.
type ErrorDescriptor struct {
	Code             string         `json:"code"`
	Message          string         `json:"message"`
	Classification   Classification `json:"classification"`
	SuggestedActions []string       `json:"suggestedActions,omitempty"`
}

// classifications maps codes to their fixed classification and suggestions.
var classifications = map[string]struct {
	class   Classification
	suggest []string
}{
	ErrCodeLLM: {
		Classification{"llm", SeverityMedium, true},
		[]string{"Wait a moment and try again."},
	},
	ErrCodeRateLimit: {
		Classification{"rate_limit", SeverityMedium, true},
		[]string{"Wait a few seconds before retrying."},
	},
	ErrCodeServiceUnavailable: {
		Classification{"availability", SeverityHigh, true},
		[]string{"The assistant is temporarily unavailable; retry shortly."},
	},
	ErrCodeValidation: {
		Classification{"validation", SeverityLow, false},
		[]string{"Check the request inputs and try again."},
	},
	ErrCodeSystemPromptTooLarge: {
		Classification{"configuration", SeverityHigh, false},
		nil,
	},
	ErrCodeTool: {
		Classification{"tool", SeverityLow, true},
		nil,
	},
	ErrCodeUnknownTool: {
		Classification{"tool", SeverityLow, false},
		nil,
	},
	ErrCodeSessionNotFound: {
		Classification{"session", SeverityLow, false},
		[]string{"Reconnect to start a new session."},
	},
	ErrCodeInvalidMessage: {
		Classification{"validation", SeverityLow, false},
		[]string{"Check the message format."},
	},
	ErrCodeCancelled: {
		Classification{"cancelled", SeverityLow, false},
		nil,
	},
	ErrCodeTimeout: {
		Classification{"timeout", SeverityMedium, true},
		[]string{"Try a simpler request or retry later."},
	},
}

// NewErrorDescriptor builds the descriptor for a known code. Unknown codes
// fall back to a non-retryable medium-severity classification.
func NewErrorDescriptor(code, message string) *ErrorDescriptor {
	if entry, ok := classifications[code]; ok {
		return &ErrorDescriptor{
			Code:             code,
			Message:          message,
			Classification:   entry.class,
			SuggestedActions: entry.suggest,
		}
	}
	return &ErrorDescriptor{
		Code:           code,
		Message:        message,
		Classification: Classification{Category: "unknown", Severity: SeverityMedium},
	}
}
