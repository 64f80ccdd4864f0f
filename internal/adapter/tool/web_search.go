package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
)

const (
	maxSearchCount  = 20
	defaultCacheTTL = 15 * time.Minute
	maxCacheEntries = 256
)

// WebSearchConfig tunes the web_search tool.
type WebSearchConfig struct {
	CacheTTL time.Duration
	// PerMinute caps backend queries per minute; 0 disables the cap.
	PerMinute int
}

type cacheEntry struct {
	result    searchOutput
	expiresAt time.Time
}

// WebSearchTool searches the web through a SearchBackend. Result count
// follows the caller's optimization preference unless the model asks for
// a specific count.
type WebSearchTool struct {
	backend  SearchBackend
	cacheTTL time.Duration
	limiter  *RateLimiter
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewWebSearchTool creates a web_search tool over backend.
func NewWebSearchTool(backend SearchBackend, cfg WebSearchConfig, logger *slog.Logger) *WebSearchTool {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	t := &WebSearchTool{
		backend:  backend,
		cacheTTL: ttl,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
	if cfg.PerMinute > 0 {
		t.limiter = NewRateLimiter(cfg.PerMinute, time.Minute)
	}
	return t
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return "Search the web and return result titles, URLs and descriptions. Use scrape_pages to read a result."
}

func (t *WebSearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1, "description": "The search query"},
				"count": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results (optional)"},
				"time_range": {"type": "string", "enum": ["day", "week", "month", "year"], "description": "Only results from this period (optional)"}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
	}
}

type webSearchParams struct {
	Query     string `json:"query"`
	Count     int    `json:"count,omitempty"`
	TimeRange string `json:"time_range,omitempty"`
}

type searchOutput struct {
	Success bool           `json:"success"`
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.web_search", t.logger, params,
		func(ctx context.Context, span trace.Span, p webSearchParams) (any, error) {
			query := strings.TrimSpace(p.Query)
			if err := RequireField("query", query); err != nil {
				return nil, err
			}
			if err := ValidateEnum("time_range", p.TimeRange, "day", "week", "month", "year"); err != nil {
				return nil, err
			}

			inv := domain.InvocationFromContext(ctx)
			count := clampCount(p.Count, inv.Optimization.ItemLimit(), maxSearchCount)
			span.SetAttributes(
				tracer.StringAttr("tool.query", query),
				tracer.IntAttr("tool.count", count),
			)

			key := fmt.Sprintf("%s|%d|%s", strings.ToLower(query), count, p.TimeRange)
			if cached, ok := t.getCached(key); ok {
				t.logger.Debug("web search cache hit", "query", query)
				span.SetAttributes(tracer.StringAttr("tool.cache", "hit"))
				return cached, nil
			}

			if t.limiter != nil {
				if ok, wait := t.limiter.Reserve(); !ok {
					return nil, domain.NewDomainError("WebSearch", domain.ErrRateLimit,
						fmt.Sprintf("search quota reached, try again in %ds", int(wait.Seconds())+1))
				}
			}

			inv.Progress("searching", map[string]any{"query": query, "backend": t.backend.Name()})
			results, err := t.backend.Search(ctx, query, count, p.TimeRange)
			if err != nil {
				return nil, err
			}
			if len(results) > count {
				results = results[:count]
			}
			if results == nil {
				results = []SearchResult{}
			}

			out := searchOutput{Success: true, Query: query, Results: results}
			t.putCache(key, out)
			t.logger.Debug("web search completed", "query", query, "backend", t.backend.Name(), "results", len(results))
			return out, nil
		},
	)
}

func (t *WebSearchTool) getCached(key string) (searchOutput, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache[key]
	if !ok {
		return searchOutput{}, false
	}
	if t.now().After(entry.expiresAt) {
		delete(t.cache, key)
		return searchOutput{}, false
	}
	return entry.result, true
}

func (t *WebSearchTool) putCache(key string, result searchOutput) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.cache[key] = cacheEntry{result: result, expiresAt: now.Add(t.cacheTTL)}
	if len(t.cache) <= maxCacheEntries {
		return
	}
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}
	// Still full of live entries: drop arbitrary ones down to the cap.
	for k := range t.cache {
		if len(t.cache) <= maxCacheEntries {
			break
		}
		if k != key {
			delete(t.cache, k)
		}
	}
}
