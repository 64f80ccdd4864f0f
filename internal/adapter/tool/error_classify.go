package tool

import (
	"context"
	"errors"
	"strings"

	"chatrelay/internal/domain"
)

// transientSentinels mark failures of a backend rather than of the call.
var transientSentinels = []error{
	context.DeadlineExceeded,
	domain.ErrTimeout,
	domain.ErrTransport,
	domain.ErrRateLimit,
	domain.ErrProviderError,
}

// transientPatterns are matched case-insensitively against error text from
// HTTP clients and MCP servers that do not wrap a sentinel.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"try again",
}

// isTransient reports whether a tool failure may succeed when the model
// calls the tool again.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range transientSentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
