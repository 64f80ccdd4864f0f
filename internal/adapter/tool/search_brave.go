package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// DefaultBraveEndpoint is the Brave Search web API.
const DefaultBraveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// braveMaxCount is the largest page the Brave API returns.
const braveMaxCount = 20

var braveFreshness = map[string]string{
	"day":   "pd",
	"week":  "pw",
	"month": "pm",
	"year":  "py",
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// BraveBackend searches through the Brave Search API.
type BraveBackend struct {
	client   *http.Client
	endpoint string
	apiKey   string
	logger   *slog.Logger
}

// NewBraveBackend creates a Brave backend. An empty endpoint selects
// DefaultBraveEndpoint.
func NewBraveBackend(apiKey, endpoint string, client *http.Client, logger *slog.Logger) *BraveBackend {
	if endpoint == "" {
		endpoint = DefaultBraveEndpoint
	}
	return &BraveBackend{
		client:   defaultSearchClient(client),
		endpoint: endpoint,
		apiKey:   apiKey,
		logger:   logger,
	}
}

func (b *BraveBackend) Name() string { return "brave" }

func (b *BraveBackend) Search(ctx context.Context, query string, count int, timeRange string) ([]SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(min(count, braveMaxCount)))
	if f, ok := braveFreshness[timeRange]; ok {
		q.Set("freshness", f)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-Subscription-Token", b.apiKey)

	body, err := getSearchJSON(b.client, req)
	if err != nil {
		return nil, err
	}
	var resp braveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]SearchResult, 0, min(count, len(resp.Web.Results)))
	for _, r := range resp.Web.Results {
		if len(results) >= count {
			break
		}
		results = append(results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: stripEmphasis(r.Description),
		})
	}
	b.logger.Debug("brave search completed", "query", query, "results", len(results))
	return results, nil
}

// stripEmphasis removes the <strong> markup Brave puts around query terms.
func stripEmphasis(s string) string {
	return strings.NewReplacer("<strong>", "", "</strong>", "").Replace(s)
}
