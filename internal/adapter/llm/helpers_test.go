package llm

import (
	"errors"
	"net/http"
	"testing"

	"chatrelay/internal/domain"
)

func TestMapHTTPErrorSentinels(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusInternalServerError, domain.ErrProviderError},
		{http.StatusBadGateway, domain.ErrProviderError},
		{http.StatusServiceUnavailable, domain.ErrProviderError},
		{418, domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := mapHTTPError("groq", tt.status, []byte(`{"error":"nope"}`))
			if !errors.Is(err, tt.want) {
				t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
			}
			var pe *domain.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *domain.ProviderError, got %T", err)
			}
			if pe.StatusCode != tt.status || pe.Provider != "groq" {
				t.Errorf("got status %d provider %q", pe.StatusCode, pe.Provider)
			}
		})
	}
}

func TestMapHTTPErrorParsesEnvelope(t *testing.T) {
	body := []byte(`{"error":{"message":"Rate limit reached for model llama-3.3-70b","type":"tokens","code":"rate_limit_exceeded"}}`)
	err := mapHTTPError("groq", http.StatusTooManyRequests, body)

	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *domain.ProviderError, got %T", err)
	}
	if pe.Code != "rate_limit_exceeded" {
		t.Errorf("Code = %q", pe.Code)
	}
	if pe.Message != "Rate limit reached for model llama-3.3-70b" {
		t.Errorf("Message = %q", pe.Message)
	}
}

func TestMapHTTPErrorRawBody(t *testing.T) {
	err := mapHTTPError("local", http.StatusBadGateway, []byte("  upstream connect error  "))
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *domain.ProviderError, got %T", err)
	}
	if pe.Message != "upstream connect error" {
		t.Errorf("Message = %q", pe.Message)
	}
}

func TestMapHTTPErrorEmptyBody(t *testing.T) {
	err := mapHTTPError("local", http.StatusServiceUnavailable, nil)
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *domain.ProviderError, got %T", err)
	}
	if pe.Message != "Service Unavailable" {
		t.Errorf("Message = %q", pe.Message)
	}
}

func TestParseAPIError(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantMsg  string
		wantCode string
		wantOK   bool
	}{
		{"string error", `{"error":"quota exceeded"}`, "quota exceeded", "", true},
		{"object with code", `{"error":{"message":"slow down","code":"too_many_requests"}}`, "slow down", "too_many_requests", true},
		{"numeric code", `{"error":{"message":"busy","code":429}}`, "busy", "429", true},
		{"type fallback", `{"error":{"message":"bad key","type":"invalid_request_error","code":null}}`, "bad key", "invalid_request_error", true},
		{"no envelope", `{"detail":"x"}`, "", "", false},
		{"null error", `{"error":null}`, "", "", false},
		{"not json", `<html>`, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, code, ok := parseAPIError([]byte(tt.body))
			if ok != tt.wantOK || msg != tt.wantMsg || code != tt.wantCode {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)", msg, code, ok, tt.wantMsg, tt.wantCode, tt.wantOK)
			}
		})
	}
}

func TestStreamError(t *testing.T) {
	err := streamError("cerebras", "overloaded", "server_busy")
	if !errors.Is(err, domain.ErrProviderError) {
		t.Errorf("expected ErrProviderError, got %v", err)
	}
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 0 || pe.Code != "server_busy" {
		t.Errorf("unexpected error %#v", err)
	}
}
