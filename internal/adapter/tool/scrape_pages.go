package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
	"chatrelay/internal/security"
)

const (
	maxScrapePages       = 10
	defaultScrapeWorkers = 4
	defaultMaxPageBytes  = 2 << 20
	defaultUserAgent     = "Mozilla/5.0 (compatible; chatrelay/1.0; +https://github.com/chatrelay/chatrelay)"
)

// ScrapeConfig tunes the scrape_pages tool.
type ScrapeConfig struct {
	MaxPages     int
	Concurrency  int
	MaxPageBytes int64
	UserAgent    string
	// AllowPrivate skips the URL pre-check. The client's transport must
	// then be trusted to refuse internal addresses itself.
	AllowPrivate bool
}

// Truncator fits gathered text into the selected model's budget.
type Truncator interface {
	TruncateForModel(information, model string) string
}

// ScrapePagesTool fetches pages in parallel, converts them to markdown
// and returns one information text sized for the selected model.
type ScrapePagesTool struct {
	client *http.Client
	budget Truncator
	cfg    ScrapeConfig
	logger *slog.Logger
}

// NewScrapePagesTool creates the tool. client should come from
// security.NewSafeClient in production.
func NewScrapePagesTool(client *http.Client, budget Truncator, cfg ScrapeConfig, logger *slog.Logger) *ScrapePagesTool {
	if cfg.MaxPages <= 0 || cfg.MaxPages > maxScrapePages {
		cfg.MaxPages = maxScrapePages
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultScrapeWorkers
	}
	if cfg.MaxPageBytes <= 0 {
		cfg.MaxPageBytes = defaultMaxPageBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &ScrapePagesTool{client: client, budget: budget, cfg: cfg, logger: logger}
}

func (t *ScrapePagesTool) Name() string { return "scrape_pages" }
func (t *ScrapePagesTool) Description() string {
	return "Fetch web pages and return their main text as markdown, trimmed to fit the conversation."
}

func (t *ScrapePagesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"urls": {
					"type": "array",
					"items": {"type": "string", "minLength": 1},
					"minItems": 1,
					"maxItems": 10,
					"description": "http(s) URLs to read"
				}
			},
			"required": ["urls"],
			"additionalProperties": false
		}`),
	}
}

type scrapeParams struct {
	URLs []string `json:"urls"`
}

type pageSummary struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Chars int    `json:"chars"`
	Error string `json:"error,omitempty"`
}

type scrapeOutput struct {
	Success     bool          `json:"success"`
	Information string        `json:"information"`
	Pages       []pageSummary `json:"pages"`
}

type scrapedPage struct {
	url      string
	title    string
	markdown string
	err      error
}

func (t *ScrapePagesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.scrape_pages", t.logger, params,
		func(ctx context.Context, span trace.Span, p scrapeParams) (any, error) {
			inv := domain.InvocationFromContext(ctx)
			urls := dedupeURLs(p.URLs)
			if len(urls) == 0 {
				return nil, fmt.Errorf("at least one url is required")
			}
			if limit := min(t.cfg.MaxPages, inv.Optimization.ItemLimit()); len(urls) > limit {
				urls = urls[:limit]
			}
			span.SetAttributes(tracer.IntAttr("tool.pages", len(urls)))

			pages := make([]scrapedPage, len(urls))
			var started atomic.Int32
			var g errgroup.Group
			g.SetLimit(t.cfg.Concurrency)
			for i, u := range urls {
				g.Go(func() error {
					n := started.Add(1)
					inv.Progress("fetching", map[string]any{"url": u, "current": int(n), "total": len(urls)})
					pages[i] = t.scrape(ctx, u, inv)
					return nil
				})
			}
			_ = g.Wait()

			out := t.assemble(pages, inv.SelectedModel)
			if !out.Success {
				return nil, fmt.Errorf("all %d pages failed: %w", len(pages), pages[0].err)
			}
			t.logger.Debug("pages scraped", "pages", len(pages), "chars", utf8.RuneCountInString(out.Information), "model", inv.SelectedModel)
			return out, nil
		},
	)
}

func (t *ScrapePagesTool) scrape(ctx context.Context, rawURL string, inv domain.Invocation) scrapedPage {
	page := scrapedPage{url: rawURL}
	body, contentType, err := t.fetch(ctx, rawURL)
	if err != nil {
		page.err = err
		return page
	}

	inv.Progress("converting", map[string]any{"url": rawURL})
	switch contentType {
	case "text/html", "application/xhtml+xml":
		page.title, page.markdown, page.err = htmlToMarkdown(body)
	case "text/plain", "text/markdown":
		page.markdown = strings.TrimSpace(body)
	default:
		page.err = fmt.Errorf("unsupported content type %q", contentType)
	}
	if page.err == nil && page.markdown == "" {
		page.err = fmt.Errorf("page has no readable text")
	}
	return page
}

func (t *ScrapePagesTool) fetch(ctx context.Context, rawURL string) (body, contentType string, err error) {
	if !t.cfg.AllowPrivate {
		if err := security.ValidateURL(ctx, rawURL); err != nil {
			return "", "", err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxPageBytes))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	contentType, _, _ = mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
		contentType, _, _ = mime.ParseMediaType(contentType)
	}
	return string(data), contentType, nil
}

var paragraphBreaks = regexp.MustCompile(`\n[ \t]*\n\s*`)

// assemble joins successful pages into one information text, one source
// block per page, and fits it to model.
func (t *ScrapePagesTool) assemble(pages []scrapedPage, model string) scrapeOutput {
	out := scrapeOutput{Pages: make([]pageSummary, 0, len(pages))}
	var blocks []string
	for _, p := range pages {
		s := pageSummary{URL: p.url, Title: p.title}
		if p.err != nil {
			s.Error = p.err.Error()
			out.Pages = append(out.Pages, s)
			continue
		}
		s.Chars = utf8.RuneCountInString(p.markdown)
		out.Pages = append(out.Pages, s)
		out.Success = true

		heading := p.url
		if p.title != "" {
			heading = p.title + " (" + p.url + ")"
		}
		// Blank lines separate pages only, so truncation keeps or drops a
		// page as a whole.
		body := paragraphBreaks.ReplaceAllString(p.markdown, "\n")
		blocks = append(blocks, "Source: "+heading+"\n"+body)
	}
	out.Information = strings.Join(blocks, "\n\n")
	if t.budget != nil {
		out.Information = t.budget.TruncateForModel(out.Information, model)
	}
	return out
}

func dedupeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
