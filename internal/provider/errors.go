package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCode classifies provider failures for the agent state machine.
type ErrorCode string

const (
	// Transient errors: retry with backoff.
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"

	// Overflow: the prompt exceeds the model context window; the agent
	// compacts and retries without consuming the retry budget.
	ErrCodeContextWindowExceeded ErrorCode = "CONTEXT_WINDOW_EXCEEDED"

	// Permanent errors: surfaced to the user, no retry.
	ErrCodeAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrCodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrCodeModelNotFound   ErrorCode = "MODEL_NOT_FOUND"
	ErrCodePolicyViolation ErrorCode = "POLICY_VIOLATION"

	ErrCodeUnknown ErrorCode = "UNKNOWN"
)

// Error is a structured provider failure.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Provider  string    `json:"provider"`
	Status    int       `json:"status,omitempty"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Code, e.Message)
}

// NewError creates a provider Error.
func NewError(code ErrorCode, message, providerName string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Provider: providerName, Retryable: retryable}
}

// FromStatus classifies an HTTP status into a provider Error.
func FromStatus(status int, message, providerName string) *Error {
	switch {
	case status == 401 || status == 403:
		return &Error{Code: ErrCodeAuthFailed, Message: message, Provider: providerName, Status: status}
	case status == 404:
		return &Error{Code: ErrCodeModelNotFound, Message: message, Provider: providerName, Status: status}
	case status == 429:
		return &Error{Code: ErrCodeRateLimited, Message: message, Provider: providerName, Status: status, Retryable: true}
	case status >= 500:
		return &Error{Code: ErrCodeServiceUnavailable, Message: message, Provider: providerName, Status: status, Retryable: true}
	case status == 400 && containsOverflowMarker(message):
		return &Error{Code: ErrCodeContextWindowExceeded, Message: message, Provider: providerName, Status: status}
	case status >= 400:
		return &Error{Code: ErrCodeInvalidRequest, Message: message, Provider: providerName, Status: status}
	default:
		return &Error{Code: ErrCodeUnknown, Message: message, Provider: providerName, Status: status}
	}
}

// overflowMarkers are the known reject substrings indicating the prompt
// exceeded the model context window.
var overflowMarkers = []string{
	"context window",
	"context length exceeded",
	"context_length_exceeded",
	"maximum context length",
	"token limit exceeded",
	"too many tokens",
	"prompt is too long",
	"input is too long",
}

func containsOverflowMarker(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range overflowMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsOverflow reports whether the error indicates the input exceeded the
// model's context window. It checks the typed code first, then falls back
// to keyword matching for untyped errors.
func IsOverflow(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Code == ErrCodeContextWindowExceeded {
			return true
		}
		return containsOverflowMarker(pe.Message)
	}
	return containsOverflowMarker(err.Error())
}

// IsTransient reports whether the error should be retried with backoff.
// Network-level failures count as transient even when untyped.
func IsTransient(err error) bool {
	if err == nil || IsOverflow(err) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case ErrCodeRateLimited, ErrCodeServiceUnavailable, ErrCodeNetworkError, ErrCodeTimeout:
			return true
		}
		return pe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake") ||
		strings.Contains(msg, "eof")
}

// IsPermanent reports whether the error should be surfaced to the user
// without retrying.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err) && !IsOverflow(err)
}
