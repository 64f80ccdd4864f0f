package domain

import (
	"context"
	"fmt"
	"slices"
)

// Finish reasons reported by providers at the end of a turn.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "groq", "openrouter").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
// Err is set when the provider reported an error mid-stream; it is always
// the last delta on the channel.
type StreamDelta struct {
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Done         bool       `json:"done,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Err          error      `json:"-"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// Tier orders provider candidates: free candidates are tried before paid ones.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// ProviderCandidate is one entry in the provider pool: a credential and
// endpoint pair together with the models it can serve.
type ProviderCandidate struct {
	ID           string
	Type         string
	APIKey       string
	EndpointURL  string
	Models       []string // ordered smallest to largest
	DefaultModel string
	ComplexModel string
	Tier         Tier
	RPM          int // requests per minute, 0 = unlimited
	TPM          int // tokens per minute, 0 = unlimited
}

// Supports reports whether the candidate can serve model. A candidate with
// no declared model list accepts any model.
func (c ProviderCandidate) Supports(model string) bool {
	if model == "" {
		return false
	}
	return len(c.Models) == 0 || slices.Contains(c.Models, model)
}

// PreferredModel returns the requested model when supported, otherwise the
// complexity-appropriate default.
func (c ProviderCandidate) PreferredModel(requested string, complex bool) string {
	if c.Supports(requested) {
		return requested
	}
	if complex {
		if c.ComplexModel != "" {
			return c.ComplexModel
		}
		if len(c.Models) > 0 {
			return c.Models[len(c.Models)-1]
		}
	}
	if c.DefaultModel != "" {
		return c.DefaultModel
	}
	if len(c.Models) > 0 {
		return c.Models[0]
	}
	return requested
}

// ProviderError is the error shape provider adapters return for non-2xx
// responses and in-stream error payloads.
type ProviderError struct {
	Provider   string
	StatusCode int    // 0 when reported in-stream
	Code       string // machine-readable code from the error body, if any
	Message    string
	Err        error // sentinel, e.g. ErrRateLimit
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }
