package models

import (
	"encoding/json"
	"testing"
)

func TestContentJSON(t *testing.T) {
	tests := []struct {
		name string
		exec ToolExecution
		want string
	}{
		{
			name: "success with result",
			exec: ToolExecution{Success: true, Result: json.RawMessage(`{"price":3200}`)},
			want: `{"price":3200}`,
		},
		{
			name: "success without result",
			exec: ToolExecution{Success: true},
			want: `{}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.exec.ContentJSON(); got != tc.want {
				t.Errorf("ContentJSON() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestContentJSONFailure(t *testing.T) {
	exec := ToolExecution{
		Success:   false,
		Error:     "oracle offline",
		ErrorCode: ErrCodeTool,
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(exec.ContentJSON()), &payload); err != nil {
		t.Fatalf("failure payload not JSON: %v", err)
	}
	if payload["error"] != "oracle offline" {
		t.Errorf("error = %v", payload["error"])
	}
	if payload["code"] != ErrCodeTool {
		t.Errorf("code = %v", payload["code"])
	}
	if payload["success"] != false {
		t.Errorf("success = %v", payload["success"])
	}
}

func TestNewErrorDescriptor(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
		severity  Severity
	}{
		{ErrCodeRateLimit, true, SeverityMedium},
		{ErrCodeServiceUnavailable, true, SeverityHigh},
		{ErrCodeValidation, false, SeverityLow},
		{ErrCodeSystemPromptTooLarge, false, SeverityHigh},
		{ErrCodeTool, true, SeverityLow},
		{ErrCodeUnknownTool, false, SeverityLow},
		{ErrCodeTimeout, true, SeverityMedium},
		{ErrCodeCancelled, false, SeverityLow},
	}

	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			desc := NewErrorDescriptor(tc.code, "msg")
			if desc.Code != tc.code || desc.Message != "msg" {
				t.Errorf("descriptor = %+v", desc)
			}
			if desc.Classification.Retryable != tc.retryable {
				t.Errorf("Retryable = %v, want %v", desc.Classification.Retryable, tc.retryable)
			}
			if desc.Classification.Severity != tc.severity {
				t.Errorf("Severity = %s, want %s", desc.Classification.Severity, tc.severity)
			}
		})
	}
}

func TestNewErrorDescriptorUnknownCode(t *testing.T) {
	desc := NewErrorDescriptor("SOMETHING_NEW", "msg")
	if desc.Classification.Retryable {
		t.Error("unknown codes default to non-retryable")
	}
	if desc.Classification.Severity != SeverityMedium {
		t.Errorf("Severity = %s, want medium", desc.Classification.Severity)
	}
}
