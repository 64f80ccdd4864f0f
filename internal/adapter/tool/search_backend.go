package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SearchBackend abstracts a web search engine.
type SearchBackend interface {
	// Search returns at most count results. timeRange is "", "day",
	// "week", "month" or "year".
	Search(ctx context.Context, query string, count int, timeRange string) ([]SearchResult, error)
	// Name returns the backend identifier (e.g. "searxng").
	Name() string
}

// SearchResult is one hit as shown to the model.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

const (
	maxSearchBodySize    = 512 * 1024
	defaultSearchTimeout = 15 * time.Second
)

func defaultSearchClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultSearchTimeout}
}

// getSearchJSON performs a GET and returns the body of a 200 response.
func getSearchJSON(client *http.Client, req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed (HTTP %d): %s", resp.StatusCode, truncateText(string(body), 200))
	}
	return body, nil
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
