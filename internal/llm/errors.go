package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/defipilot/defipilot/pkg/models"
)

// Reason classifies a provider failure for retry and reporting decisions.
type Reason string

const (
	ReasonRateLimit   Reason = "rate_limit"
	ReasonServerError Reason = "server_error"
	ReasonTimeout     Reason = "timeout"
	ReasonNetwork     Reason = "network"
	ReasonAuth        Reason = "auth"
	ReasonBadRequest  Reason = "bad_request"
	ReasonCancelled   Reason = "cancelled"
	ReasonUnknown     Reason = "unknown"
)

// Retryable reports whether another attempt is worthwhile for this reason.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonServerError, ReasonTimeout, ReasonNetwork:
		return true
	default:
		return false
	}
}

// ErrorCode maps the reason to the wire-level error code.
func (r Reason) ErrorCode() string {
	switch r {
	case ReasonRateLimit:
		return models.ErrCodeRateLimit
	case ReasonServerError, ReasonNetwork:
		return models.ErrCodeServiceUnavailable
	case ReasonTimeout:
		return models.ErrCodeTimeout
	case ReasonCancelled:
		return models.ErrCodeCancelled
	default:
		return models.ErrCodeLLM
	}
}

// ProviderError wraps a provider failure with classification metadata.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Reason   Reason
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Reason, e.Status, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Reason, e.Cause)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// WrapError classifies err into a ProviderError. Already-wrapped errors pass
// through unchanged.
func WrapError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Reason:   Classify(err),
		Cause:    err,
	}
}

// Classify derives a failure reason from an error. Status-bearing SDK errors
// are handled by the providers before reaching here, so classification falls
// back to message inspection the way upstream SDK errors surface them.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests"):
		return ReasonRateLimit

	case strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "overloaded"):
		return ReasonServerError

	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout

	case strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe"):
		return ReasonNetwork

	case strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return ReasonAuth

	case strings.Contains(msg, "400") ||
		strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "404"):
		return ReasonBadRequest

	default:
		return ReasonUnknown
	}
}

// classifyStatus maps an HTTP status code to a reason. Providers use this
// when the SDK exposes the status directly.
func classifyStatus(status int) Reason {
	switch {
	case status == 429:
		return ReasonRateLimit
	case status >= 500:
		return ReasonServerError
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 408:
		return ReasonTimeout
	case status >= 400:
		return ReasonBadRequest
	default:
		return ReasonUnknown
	}
}

// ReasonOf extracts the classified reason, classifying unwrapped errors on
// the fly.
func ReasonOf(err error) Reason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return Classify(err)
}
