package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateEngine(cfg, ve)
	validateProviders(cfg, ve)
	validateTransport(cfg, ve)
	validateBudget(cfg, ve)
	validateTools(cfg, ve)
	validateAuth(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr must not be empty")
	}
	if s.RequestTimeout <= 0 {
		ve.Add("server.request_timeout must be > 0")
	}
	if s.DeadlineMargin < 0 {
		ve.Add("server.deadline_margin must be >= 0")
	}
	if s.RequestTimeout > 0 && s.DeadlineMargin >= s.RequestTimeout {
		ve.Add("server.deadline_margin must be shorter than server.request_timeout")
	}
	if s.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if s.RequestsPerSecond < 0 {
		ve.Add("server.requests_per_second must be >= 0")
	}
	if s.RequestsPerSecond > 0 && s.Burst <= 0 {
		ve.Add("server.burst must be > 0 when requests_per_second is set")
	}
}

func validateEngine(cfg *Config, ve *ValidationError) {
	e := cfg.Engine
	if e.MaxIterations <= 0 {
		ve.Add("engine.max_iterations must be > 0")
	}
	if e.AnswerThreshold < 0 {
		ve.Add("engine.answer_threshold must be >= 0")
	}
	if len(e.ToolFinishReasons) == 0 {
		ve.Add("engine.tool_finish_reasons must not be empty")
	}
	if e.ToolConcurrency <= 0 {
		ve.Add("engine.tool_concurrency must be > 0")
	}
	if e.ToolTimeout <= 0 {
		ve.Add("engine.tool_timeout must be > 0")
	}
	if e.Temperature < 0 || e.Temperature > 2 {
		ve.Add("engine.temperature must be between 0 and 2")
	}
	if e.MaxTokens < 0 {
		ve.Add("engine.max_tokens must be >= 0")
	}
}

// providerTypes have a built-in endpoint; other types need base_url.
var providerTypes = map[string]bool{
	"openai":     true,
	"groq":       true,
	"openrouter": true,
	"cerebras":   true,
	"together":   true,
	"gemini":     true,
	"mistral":    true,
	"deepseek":   true,
	"ollama":     true,
}

func validateProviders(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, p := range cfg.Providers {
		if p.ID == "" {
			ve.Add("providers[%d].id must not be empty", i)
			continue
		}
		if seen[p.ID] {
			ve.Add("providers[%d]: duplicate provider id %q", i, p.ID)
		}
		seen[p.ID] = true

		t := strings.ToLower(p.Type)
		if p.BaseURL == "" && !providerTypes[t] {
			ve.Add("providers[%d] (%s): type %q has no default endpoint, set base_url", i, p.ID, p.Type)
		}
		if p.BaseURL != "" && !isHTTPURL(p.BaseURL) {
			ve.Add("providers[%d] (%s): base_url %q must be an http(s) URL", i, p.ID, p.BaseURL)
		}
		if p.Tier != "free" && p.Tier != "paid" {
			ve.Add("providers[%d] (%s): tier %q is invalid (want: free, paid)", i, p.ID, p.Tier)
		}
		if p.APIKey == "" && t != "ollama" {
			ve.Add("providers[%d] (%s): api_key is empty (set via %s)", i, p.ID, ProviderKeyEnv(p.ID))
		}
		if p.DefaultModel == "" && len(p.Models) == 0 {
			ve.Add("providers[%d] (%s): default_model or models is required", i, p.ID)
		}
		if p.RPM < 0 || p.TPM < 0 {
			ve.Add("providers[%d] (%s): rpm and tpm must be >= 0", i, p.ID)
		}
	}
}

func validateTransport(cfg *Config, ve *ValidationError) {
	t := cfg.Transport
	if t.ConnTimeout <= 0 {
		ve.Add("transport.conn_timeout must be > 0")
	}
	if t.RespTimeout <= 0 {
		ve.Add("transport.resp_timeout must be > 0")
	}
	if t.ThrottleWait < 0 {
		ve.Add("transport.throttle_wait must be >= 0")
	}
	if cfg.CircuitBreaker.MaxFailures == 0 {
		ve.Add("circuit_breaker.max_failures must be > 0")
	}
	if cfg.CircuitBreaker.Timeout <= 0 {
		ve.Add("circuit_breaker.timeout must be > 0")
	}
}

func validateBudget(cfg *Config, ve *ValidationError) {
	b := cfg.Budget
	if b.CharsPerToken <= 0 {
		ve.Add("budget.chars_per_token must be > 0")
	}
	if b.DefaultMaxInfoTokens <= 0 {
		ve.Add("budget.default_max_info_tokens must be > 0")
	}
	for model, tokens := range b.Models {
		if tokens <= 0 {
			ve.Add("budget.models[%s] must be > 0", model)
		}
	}
	if b.PerResultMaxChars <= 0 {
		ve.Add("budget.per_result_max_chars must be > 0")
	}
	if b.ResponseMaxChars <= 0 {
		ve.Add("budget.response_max_chars must be > 0")
	}
	if b.SafetyNetItems < 0 || b.SafetyNetItemChars < 0 {
		ve.Add("budget.safety_net_items and safety_net_item_chars must be >= 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	s := cfg.Tools.Search
	if s.Enabled {
		switch s.Backend {
		case "searxng":
			if !isHTTPURL(s.SearXNGURL) {
				ve.Add("tools.search.searxng_url must be an http(s) URL when backend is searxng")
			}
		case "brave":
			if s.BraveAPIKey == "" {
				ve.Add("tools.search.brave_api_key is required when backend is brave")
			}
		default:
			ve.Add("tools.search.backend %q is invalid (want: searxng, brave)", s.Backend)
		}
		if s.PerMinute < 0 {
			ve.Add("tools.search.per_minute must be >= 0")
		}
	}

	sc := cfg.Tools.Scrape
	if sc.Enabled {
		if sc.MaxPages <= 0 || sc.MaxPages > 10 {
			ve.Add("tools.scrape.max_pages must be between 1 and 10")
		}
		if sc.Concurrency <= 0 {
			ve.Add("tools.scrape.concurrency must be > 0")
		}
		if sc.MaxPageBytes <= 0 {
			ve.Add("tools.scrape.max_page_bytes must be > 0")
		}
		if sc.MaxRedirects < 0 {
			ve.Add("tools.scrape.max_redirects must be >= 0")
		}
	}

	names := make(map[string]bool)
	for i, m := range cfg.Tools.MCP {
		if m.Name == "" {
			ve.Add("tools.mcp[%d].name must not be empty", i)
			continue
		}
		if names[m.Name] {
			ve.Add("tools.mcp[%d]: duplicate server name %q", i, m.Name)
		}
		names[m.Name] = true
		switch m.Transport {
		case "stdio":
			if m.Command == "" {
				ve.Add("tools.mcp[%d] (%s): command is required for stdio transport", i, m.Name)
			}
		case "http":
			if !isHTTPURL(m.URL) {
				ve.Add("tools.mcp[%d] (%s): url must be an http(s) URL for http transport", i, m.Name)
			}
		default:
			ve.Add("tools.mcp[%d] (%s): transport %q is invalid (want: stdio, http)", i, m.Name, m.Transport)
		}
	}
}

func validateAuth(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool)
	for i, tok := range cfg.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("auth.tokens[%d].token must not be empty", i)
		}
		if tok.Name != "" && names[tok.Name] {
			ve.Add("auth.tokens[%d]: duplicate token name %q", i, tok.Name)
		}
		names[tok.Name] = true
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "json", "text":
	default:
		ve.Add("logger.format %q is invalid (want: json, text)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout", "stderr":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, stderr)", cfg.Tracer.Exporter)
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
