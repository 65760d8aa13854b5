package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory classifies a provider error for retry/fallback decisions.
// Matching is substring-based against the lowercased error text, since
// provider SDKs surface errors with heterogeneous concrete types.
type ErrorCategory string

const (
	CategoryTimeout          ErrorCategory = "timeout"
	CategoryRateLimit        ErrorCategory = "rate_limit"
	CategoryAuth             ErrorCategory = "auth"
	CategoryBilling          ErrorCategory = "billing"
	CategoryModelUnavailable ErrorCategory = "model_unavailable"
	CategoryServerError      ErrorCategory = "server_error"
	CategoryInvalidRequest   ErrorCategory = "invalid_request"
	CategoryUnknown          ErrorCategory = "unknown"
)

// Classify categorizes err by matching well-known substrings, the same
// heuristic used throughout this corpus for provider and tool errors.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "context deadline"):
		return CategoryTimeout
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return CategoryRateLimit
	case containsAny(msg, "unauthorized", "invalid api key", "authentication", "401", "403"):
		return CategoryAuth
	case containsAny(msg, "billing", "payment", "quota", "402", "insufficient"):
		return CategoryBilling
	case containsAny(msg, "model not found", "does not exist", "unavailable"):
		return CategoryModelUnavailable
	case containsAny(msg, "internal server", "server error", "500", "502", "503", "504", "overloaded"):
		return CategoryServerError
	case containsAny(msg, "invalid", "bad request", "400"):
		return CategoryInvalidRequest
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the spec's retryable set — HTTP 429/502/503/504
// and network/timeout/"overloaded" — applies to err.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case CategoryTimeout, CategoryRateLimit, CategoryServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether err should trigger a FallbackChain switch:
// auth/billing/quota/model-unavailable, or rate limit/server error once
// retries are exhausted.
func ShouldFailover(err error) bool {
	switch Classify(err) {
	case CategoryAuth, CategoryBilling, CategoryModelUnavailable, CategoryRateLimit, CategoryServerError:
		return true
	default:
		return false
	}
}
