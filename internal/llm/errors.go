package llm

import (
	"fmt"
	"strings"
)

// ProviderError wraps a backend failure with enough context to decide
// whether a retry is worthwhile.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d, model %s)", e.Provider, msg, e.StatusCode, e.Model)
	}
	return fmt.Sprintf("%s: %s (model %s)", e.Provider, msg, e.Model)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is transient: rate limits,
// 5xx responses, timeouts, and connection drops.
func (e *ProviderError) Retryable() bool {
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	case 400, 401, 403, 404, 422:
		return false
	}
	if e.Cause != nil {
		return retryableMessage(e.Cause.Error())
	}
	return retryableMessage(e.Message)
}

func newProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Cause: cause}
}

// retryableMessage classifies an error by its text when no status code is
// available. Vendor SDKs stringify throttling and infrastructure faults
// in predictable ways.
func retryableMessage(msg string) bool {
	msg = strings.ToLower(msg)

	for _, marker := range []string{
		"rate limit", "rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
