package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"chatrelay/internal/domain"
)

func TestClassifyNilError(t *testing.T) {
	c := NewErrorClassifier(RateLimitRules{})
	got := c.Classify(nil)
	assert.Nil(t, got.Original)
	assert.Equal(t, KindTransport, got.Kind)
}

func TestClassifyProviderErrors(t *testing.T) {
	c := NewErrorClassifier(RateLimitRules{})
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"429", &domain.ProviderError{Provider: "groq", StatusCode: 429, Message: "slow down"}, KindRateLimit},
		{"rate limit code", &domain.ProviderError{Provider: "groq", StatusCode: 413, Code: "rate_limit_exceeded", Message: "Request too large for model on tokens per minute"}, KindRateLimit},
		{"in-stream rate limit", &domain.ProviderError{Provider: "groq", Message: "Rate limit reached", Err: domain.ErrRateLimit}, KindRateLimit},
		{"401", &domain.ProviderError{Provider: "openai", StatusCode: 401, Message: "invalid api key"}, KindAuth},
		{"403", &domain.ProviderError{Provider: "openai", StatusCode: 403, Message: "forbidden"}, KindAuth},
		{"413", &domain.ProviderError{Provider: "openai", StatusCode: 413, Message: "payload"}, KindContextTooLarge},
		{"400 overflow", &domain.ProviderError{Provider: "openai", StatusCode: 400, Message: "This model's maximum context length is 8192 tokens"}, KindContextTooLarge},
		{"400 other", &domain.ProviderError{Provider: "openai", StatusCode: 400, Message: "invalid tool schema"}, KindTransport},
		{"500", &domain.ProviderError{Provider: "openai", StatusCode: 500, Message: "internal"}, KindTransport},
		{"500 mentioning tokens per day", &domain.ProviderError{Provider: "gemini", StatusCode: 500, Message: "exceeded tokens per day"}, KindRateLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.err).Kind)
		})
	}
}

func TestClassifyStatusExtractedFromMessage(t *testing.T) {
	c := NewErrorClassifier(RateLimitRules{})
	got := c.Classify(fmt.Errorf("mcp: API error 429: try later"))
	assert.Equal(t, KindRateLimit, got.Kind)
	assert.Equal(t, 429, got.StatusCode)
}

func TestClassifyPatternsCaseInsensitive(t *testing.T) {
	c := NewErrorClassifier(RateLimitRules{})
	assert.True(t, c.IsRateLimit(errors.New("You have hit the RATE LIMIT")))
	assert.True(t, c.IsRateLimit(errors.New("Tokens Per Day quota used")))
	assert.False(t, c.IsRateLimit(errors.New("connection reset by peer")))
}

func TestClassifyCustomRules(t *testing.T) {
	c := NewErrorClassifier(RateLimitRules{Codes: []string{"SLOW_DOWN"}, Patterns: []string{"busy right now"}})
	assert.True(t, c.IsRateLimit(&domain.ProviderError{Provider: "x", StatusCode: 503, Code: "slow_down"}))
	assert.True(t, c.IsRateLimit(errors.New("server busy right now")))
	assert.False(t, c.IsRateLimit(errors.New("rate limit")), "custom patterns replace the defaults")
}

func TestClassifySentinels(t *testing.T) {
	c := NewErrorClassifier(RateLimitRules{})
	assert.Equal(t, KindAuth, c.Classify(fmt.Errorf("call: %w", domain.ErrAuthInvalid)).Kind)
	assert.Equal(t, KindContextTooLarge, c.Classify(fmt.Errorf("call: %w", domain.ErrContextOverflow)).Kind)
	assert.Equal(t, KindRateLimit, c.Classify(fmt.Errorf("breaker: %w", domain.ErrRateLimit)).Kind)
}

func TestClassifyContextErrors(t *testing.T) {
	c := NewErrorClassifier(RateLimitRules{})
	assert.Equal(t, KindCanceled, c.Classify(fmt.Errorf("stream: %w", context.Canceled)).Kind)
	assert.Equal(t, KindTimeout, c.Classify(fmt.Errorf("stream: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, KindCanceled, c.Classify(domain.ErrClientGone).Kind)
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "rate_limit", KindRateLimit.String())
	assert.Equal(t, "transport", KindTransport.String())
}
