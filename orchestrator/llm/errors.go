// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the normalized classification of a provider failure.
// The dispatch layer keys retry and fallback decisions off this value.
type ErrorKind string

const (
	// KindTimeout indicates the call exceeded its deadline or the
	// transport timed out.
	KindTimeout ErrorKind = "timeout"

	// KindRateLimited indicates the provider rejected the call with a
	// rate limit response (HTTP 429 or equivalent).
	KindRateLimited ErrorKind = "rate_limited"

	// KindProviderError indicates a 5xx response, a malformed payload,
	// or a transport failure other than a timeout.
	KindProviderError ErrorKind = "provider_error"

	// KindAuthError indicates an authentication/authorization failure.
	// Fatal: never retried, surfaced as a configuration fault.
	KindAuthError ErrorKind = "auth_error"
)

// Retryable reports whether a call failing with this kind may be retried
// against the same model.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindProviderError:
		return true
	default:
		return false
	}
}

// ProviderError represents a normalized error from an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Model is the model id the call targeted, if known.
	Model string `json:"model,omitempty"`

	// Kind is the normalized classification.
	Kind ErrorKind `json:"kind"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (%s, status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Provider, e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError with the kind derived from the
// HTTP status code.
func NewProviderError(provider, model string, statusCode int, message string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Model:      model,
		Kind:       KindFromStatus(statusCode),
		StatusCode: statusCode,
		Message:    message,
	}
}

// KindFromStatus maps an HTTP status code to an ErrorKind.
func KindFromStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuthError
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		// 5xx and unexpected 4xx payloads are both provider faults.
		return KindProviderError
	}
}

// Classify derives the ErrorKind for an arbitrary error returned by a
// provider call. Unknown errors are treated as provider faults.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindProviderError
}
