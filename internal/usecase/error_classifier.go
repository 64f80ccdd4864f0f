package usecase

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"chatrelay/internal/domain"
)

// ErrorKind is the engine's view of a provider failure.
type ErrorKind int

const (
	KindTransport       ErrorKind = iota // anything unrecognised; fatal
	KindRateLimit                        // switch provider
	KindAuth                             // fatal, distinct code
	KindContextTooLarge                  // re-truncate and retry once
	KindTimeout                          // deadline reached
	KindCanceled                         // client went away
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindContextTooLarge:
		return "context_too_large"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "transport"
	}
}

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Kind       ErrorKind
	Sentinel   error  // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int    // extracted HTTP status, or 0 if unknown
	Code       string // provider error code, if any
}

// RateLimitRules lists the provider error codes and message fragments that
// identify a rate-limit failure. Patterns match case-insensitively.
type RateLimitRules struct {
	Codes    []string
	Patterns []string
}

// DefaultRateLimitRules returns the built-in rate-limit signatures.
func DefaultRateLimitRules() RateLimitRules {
	return RateLimitRules{
		Codes: []string{"rate_limit_exceeded", "rate_limit_error", "insufficient_quota", "resource_exhausted", "too_many_requests"},
		Patterns: []string{
			"rate limit", "rate_limit", "tokens per day", "tokens per minute",
			"requests per minute", "too many requests", "quota exceeded", "429",
		},
	}
}

// ErrorClassifier maps provider errors to ErrorKinds. It is immutable after
// construction and safe for concurrent use.
type ErrorClassifier struct {
	codes    []string
	patterns []string
}

// NewErrorClassifier creates a classifier. Empty rule lists fall back to
// DefaultRateLimitRules.
func NewErrorClassifier(rules RateLimitRules) *ErrorClassifier {
	def := DefaultRateLimitRules()
	if len(rules.Codes) == 0 {
		rules.Codes = def.Codes
	}
	if len(rules.Patterns) == 0 {
		rules.Patterns = def.Patterns
	}
	c := &ErrorClassifier{}
	for _, code := range rules.Codes {
		c.codes = append(c.codes, strings.ToLower(code))
	}
	for _, p := range rules.Patterns {
		c.patterns = append(c.patterns, strings.ToLower(p))
	}
	return c
}

// apiErrorPattern matches "API error <status_code>:" produced by provider adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// contextOverflowPhrases indicate a request rejected for its size.
var contextOverflowPhrases = []string{
	"context length", "context window", "maximum context", "too many tokens",
	"prompt is too long", "reduce the length", "request too large", "payload too large",
}

// Classify inspects an error from a provider call.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrClientGone):
		return ClassifiedError{Original: err, Kind: KindCanceled}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return ClassifiedError{Original: err, Kind: KindTimeout, Sentinel: domain.ErrTimeout}
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		if ce, ok := c.classifyProviderError(err, pe); ok {
			return ce
		}
	}

	if ce, ok := c.classifyBySentinel(err); ok {
		return ce
	}

	errStr := err.Error()
	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		if ce, ok := c.classifyByStatus(err, code, errStr); ok {
			return ce
		}
	}
	return c.classifyByString(err, errStr)
}

// IsRateLimit reports whether err should trigger provider fallback.
func (c *ErrorClassifier) IsRateLimit(err error) bool {
	return c.Classify(err).Kind == KindRateLimit
}

func (c *ErrorClassifier) classifyProviderError(err error, pe *domain.ProviderError) (ClassifiedError, bool) {
	if pe.Code != "" && slices.Contains(c.codes, strings.ToLower(pe.Code)) {
		return ClassifiedError{
			Original: err, Kind: KindRateLimit, Sentinel: domain.ErrRateLimit,
			StatusCode: pe.StatusCode, Code: pe.Code,
		}, true
	}
	ce, ok := c.classifyByStatus(err, pe.StatusCode, pe.Message)
	ce.Code = pe.Code
	return ce, ok
}

func (c *ErrorClassifier) classifyBySentinel(err error) (ClassifiedError, bool) {
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return ClassifiedError{Original: err, Kind: KindRateLimit, Sentinel: domain.ErrRateLimit}, true
	case errors.Is(err, domain.ErrAuthInvalid):
		return ClassifiedError{Original: err, Kind: KindAuth, Sentinel: domain.ErrAuthInvalid}, true
	case errors.Is(err, domain.ErrContextOverflow):
		return ClassifiedError{Original: err, Kind: KindContextTooLarge, Sentinel: domain.ErrContextOverflow}, true
	default:
		return ClassifiedError{}, false
	}
}

func (c *ErrorClassifier) classifyByStatus(err error, code int, body string) (ClassifiedError, bool) {
	switch {
	case code == 429:
		return ClassifiedError{
			Original: err, Kind: KindRateLimit,
			Sentinel: domain.ErrRateLimit, StatusCode: code,
		}, true
	case code == 401 || code == 403:
		return ClassifiedError{
			Original: err, Kind: KindAuth,
			Sentinel: domain.ErrAuthInvalid, StatusCode: code,
		}, true
	case code == 413:
		return ClassifiedError{
			Original: err, Kind: KindContextTooLarge,
			Sentinel: domain.ErrContextOverflow, StatusCode: code,
		}, true
	case code == 400 && containsAny(strings.ToLower(body), contextOverflowPhrases):
		return ClassifiedError{
			Original: err, Kind: KindContextTooLarge,
			Sentinel: domain.ErrContextOverflow, StatusCode: code,
		}, true
	default:
		return ClassifiedError{Original: err, StatusCode: code}, false
	}
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)
	var status int
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		status = pe.StatusCode
	}

	if containsAny(lower, c.patterns) {
		return ClassifiedError{Original: err, Kind: KindRateLimit, Sentinel: domain.ErrRateLimit, StatusCode: status}
	}
	if containsAny(lower, contextOverflowPhrases) {
		return ClassifiedError{Original: err, Kind: KindContextTooLarge, Sentinel: domain.ErrContextOverflow, StatusCode: status}
	}
	return ClassifiedError{Original: err, Kind: KindTransport, Sentinel: domain.ErrTransport, StatusCode: status}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
