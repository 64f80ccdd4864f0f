package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// doJSONRequest performs a JSON POST request and returns the response body.
// Non-200 responses become *domain.ProviderError.
func doJSONRequest(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(provider, httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// doStreamRequest performs a JSON POST request for SSE streaming.
// It returns the open *http.Response (caller must close Body).
// Non-200 responses become *domain.ProviderError.
func doStreamRequest(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, mapHTTPError(provider, httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

// logChatCompleted logs the standard debug message after a successful LLM chat.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// apiErrorBody is the error envelope used by OpenAI-compatible APIs, both
// in non-2xx bodies and as in-stream SSE payloads. Some providers send a
// bare string instead of an object.
type apiErrorBody struct {
	Error json.RawMessage `json:"error"`
}

type apiErrorDetail struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

// parseAPIError extracts message and code from an error body. ok is false
// when body carries no error envelope.
func parseAPIError(body []byte) (message, code string, ok bool) {
	var env apiErrorBody
	if err := json.Unmarshal(body, &env); err != nil || len(env.Error) == 0 || string(env.Error) == "null" {
		return "", "", false
	}
	var s string
	if err := json.Unmarshal(env.Error, &s); err == nil {
		return s, "", true
	}
	var d apiErrorDetail
	if err := json.Unmarshal(env.Error, &d); err != nil {
		return "", "", false
	}
	code = strings.Trim(string(d.Code), `"`)
	if code == "" || code == "null" {
		code = d.Type
	}
	return d.Message, code, true
}

// mapHTTPError maps an HTTP status code and response body to a
// *domain.ProviderError whose sentinel lets the classifier, circuit breaker
// and fallback manager act on it.
func mapHTTPError(provider string, statusCode int, body []byte) error {
	pe := &domain.ProviderError{Provider: provider, StatusCode: statusCode}
	if msg, code, ok := parseAPIError(body); ok {
		pe.Message, pe.Code = msg, code
	} else {
		pe.Message = strings.TrimSpace(string(body))
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		pe.Err = domain.ErrRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		pe.Err = domain.ErrAuthInvalid
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		pe.Err = domain.ErrContextOverflow
	default:
		pe.Err = domain.ErrProviderError
	}
	return pe
}

// streamError builds the error for an in-stream error payload.
func streamError(provider, message, code string) error {
	return &domain.ProviderError{
		Provider: provider,
		Code:     code,
		Message:  message,
		Err:      domain.ErrProviderError,
	}
}
