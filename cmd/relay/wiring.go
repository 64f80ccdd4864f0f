package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chatrelay/internal/adapter/llm"
	"chatrelay/internal/adapter/tool"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/security"
	"chatrelay/internal/usecase"
	"chatrelay/internal/usecase/budget"
)

// engine holds the long-lived conversation components.
type engine struct {
	agent    *usecase.Agent
	pool     *llm.ClientPool
	registry *tool.Registry
	closers  []func()
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	classifier := usecase.NewErrorClassifier(usecase.RateLimitRules{
		Codes:    cfg.RateLimit.Codes,
		Patterns: cfg.RateLimit.Patterns,
	})

	t := cfg.Transport
	httpClient := llm.NewHTTPClient(t.ConnTimeout, t.RespTimeout, llm.PooledTransportConfig{
		MaxIdleConns:        t.Pool.MaxIdleConns,
		MaxIdleConnsPerHost: t.Pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:     t.Pool.MaxConnsPerHost,
		IdleConnTimeout:     t.Pool.IdleConnTimeout,
	})
	b := buildBudgeter(cfg.Budget)
	pool := llm.NewClientPool(httpClient, llm.PoolOptions{
		Breaker: llm.CircuitBreakerConfig{
			MaxFailures: cfg.CircuitBreaker.MaxFailures,
			Timeout:     cfg.CircuitBreaker.Timeout,
			Interval:    cfg.CircuitBreaker.Interval,
		},
		IsRateLimit:  classifier.IsRateLimit,
		ThrottleWait: t.ThrottleWait,
		Estimator:    b.Estimator(),
	}, logger)

	registry, closeTools, err := buildTools(ctx, cfg.Tools, b, logger)
	if err != nil {
		return nil, err
	}

	candidates := buildCandidates(cfg.Providers)
	e := cfg.Engine
	agent := usecase.NewAgent(usecase.AgentDeps{
		Providers:       pool,
		Fallback:        usecase.NewFallbackManager(candidates, classifier, logger),
		Classifier:      classifier,
		Budget:          b,
		Tools:           usecase.NewToolInvoker(registry, b, e.ToolTimeout, logger),
		Logger:          logger,
		MaxIterations:   e.MaxIterations,
		AnswerThreshold: e.AnswerThreshold,
		ToolFinish:      e.ToolFinishReasons,
		ToolConcurrency: e.ToolConcurrency,
		DeadlineMargin:  cfg.Server.DeadlineMargin,
		Temperature:     e.Temperature,
		MaxTokens:       e.MaxTokens,
		SystemPrompt:    e.SystemPrompt,
	})

	logger.Info("engine ready",
		"providers", len(candidates),
		"tools", strings.Join(registry.Names(), ","),
		"max_iterations", e.MaxIterations,
	)
	return &engine{agent: agent, pool: pool, registry: registry, closers: []func(){closeTools}}, nil
}

// buildCandidates maps provider config onto the fallback pool.
func buildCandidates(providers []config.ProviderConfig) []domain.ProviderCandidate {
	out := make([]domain.ProviderCandidate, 0, len(providers))
	for _, p := range providers {
		tier := domain.TierPaid
		if strings.EqualFold(p.Tier, string(domain.TierFree)) {
			tier = domain.TierFree
		}
		def := p.DefaultModel
		if def == "" && len(p.Models) > 0 {
			def = p.Models[0]
		}
		out = append(out, domain.ProviderCandidate{
			ID:           p.ID,
			Type:         strings.ToLower(p.Type),
			APIKey:       p.APIKey,
			EndpointURL:  p.BaseURL,
			Models:       p.Models,
			DefaultModel: def,
			ComplexModel: p.ComplexModel,
			Tier:         tier,
			RPM:          p.RPM,
			TPM:          p.TPM,
		})
	}
	return out
}

func buildBudgeter(cfg config.BudgetConfig) *budget.Budgeter {
	return budget.New(budget.Config{
		Table:              budget.NewTable(cfg.Models, cfg.DefaultMaxInfoTokens),
		Estimator:          budget.NewTiktokenEstimator(cfg.Encoding, cfg.CharsPerToken),
		CharsPerToken:      cfg.CharsPerToken,
		PerResultMaxChars:  cfg.PerResultMaxChars,
		ResponseMaxChars:   cfg.ResponseMaxChars,
		ResponseMaxTokens:  cfg.ResponseMaxTokens,
		SafetyNetItems:     cfg.SafetyNetItems,
		SafetyNetItemChars: cfg.SafetyNetItemChars,
	})
}

// buildTools registers the enabled built-in tools and every MCP tool. The
// returned function closes MCP connections.
func buildTools(ctx context.Context, cfg config.ToolsConfig, b *budget.Budgeter, logger *slog.Logger) (*tool.Registry, func(), error) {
	registry := tool.NewRegistry(logger)
	closeAll := func() {}

	if cfg.Search.Enabled {
		backend, err := buildSearchBackend(cfg.Search, logger)
		if err != nil {
			return nil, nil, err
		}
		search := tool.NewWebSearchTool(backend, tool.WebSearchConfig{
			CacheTTL:  cfg.Search.CacheTTL,
			PerMinute: cfg.Search.PerMinute,
		}, logger)
		if err := registry.Register(search); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Scrape.Enabled {
		scrape := tool.NewScrapePagesTool(
			security.NewSafeClient(cfg.Scrape.Timeout, cfg.Scrape.MaxRedirects),
			b,
			tool.ScrapeConfig{
				MaxPages:     cfg.Scrape.MaxPages,
				Concurrency:  cfg.Scrape.Concurrency,
				MaxPageBytes: cfg.Scrape.MaxPageBytes,
				UserAgent:    cfg.Scrape.UserAgent,
			},
			logger,
		)
		if err := registry.Register(scrape); err != nil {
			return nil, nil, err
		}
	}

	if len(cfg.MCP) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.MCP, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("mcp: %w", err)
		}
		closeAll = bridge.Close
		if err := registry.RegisterAll(bridge.Tools()...); err != nil {
			bridge.Close()
			return nil, nil, fmt.Errorf("mcp: %w", err)
		}
	}
	return registry, closeAll, nil
}

func buildSearchBackend(cfg config.SearchConfig, logger *slog.Logger) (tool.SearchBackend, error) {
	// Search backends are operator-configured and often on localhost, so
	// they do not go through the SSRF-guarded client.
	client := &http.Client{Timeout: cfg.Timeout}
	switch cfg.Backend {
	case "searxng":
		return tool.NewSearXNGBackend(cfg.SearXNGURL, client, logger), nil
	case "brave":
		return tool.NewBraveBackend(cfg.BraveAPIKey, cfg.BraveEndpoint, client, logger), nil
	default:
		return nil, fmt.Errorf("unknown search backend %q", cfg.Backend)
	}
}
