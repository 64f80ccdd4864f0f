package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase/budget"
)

type recordingTruncator struct {
	mu     sync.Mutex
	limit  int
	models []string
}

func (r *recordingTruncator) TruncateForModel(information, model string) string {
	r.mu.Lock()
	r.models = append(r.models, model)
	r.mu.Unlock()
	if r.limit > 0 && len(information) > r.limit {
		return information[:r.limit]
	}
	return information
}

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "chatrelay") {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><title>Article</title></head><body><main><p>Article body text.</p></main></body></html>`)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "  plain notes  \n")
	})
	mux.HandleFunc("/binary", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><body><script>x()</script></body></html>`)
	})
	mux.HandleFunc("/page/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body><p>page %s</p></body></html>`, strings.TrimPrefix(r.URL.Path, "/page/"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestScraper(srv *httptest.Server, budget Truncator) *ScrapePagesTool {
	return NewScrapePagesTool(srv.Client(), budget, ScrapeConfig{AllowPrivate: true}, newTestLogger())
}

func scrape(t *testing.T, tool *ScrapePagesTool, ctx context.Context, urls ...string) *domain.ToolResult {
	t.Helper()
	params, _ := json.Marshal(scrapeParams{URLs: urls})
	res, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestScrapePages(t *testing.T) {
	srv := newPageServer(t)
	budget := &recordingTruncator{}
	ctx := domain.ContextWithInvocation(context.Background(), domain.Invocation{SelectedModel: "gpt-4o-mini"})

	res := scrape(t, newTestScraper(srv, budget), ctx, srv.URL+"/article", srv.URL+"/plain")
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	out := decodeResult[scrapeOutput](t, res)
	if !out.Success || len(out.Pages) != 2 {
		t.Fatalf("output = %+v", out)
	}
	if !strings.Contains(out.Information, "Source: Article ("+srv.URL+"/article)\nArticle body text.") {
		t.Errorf("information = %q", out.Information)
	}
	if !strings.Contains(out.Information, "Source: "+srv.URL+"/plain\nplain notes") {
		t.Errorf("information = %q", out.Information)
	}
	if strings.Index(out.Information, "/article") > strings.Index(out.Information, "/plain") {
		t.Error("pages not in request order")
	}
	if out.Pages[0].Title != "Article" || out.Pages[0].Chars == 0 {
		t.Errorf("pages[0] = %+v", out.Pages[0])
	}
	if len(budget.models) != 1 || budget.models[0] != "gpt-4o-mini" {
		t.Errorf("truncated for %v", budget.models)
	}
}

func TestScrapePagesPartialFailure(t *testing.T) {
	srv := newPageServer(t)
	res := scrape(t, newTestScraper(srv, nil), context.Background(),
		srv.URL+"/article", srv.URL+"/missing", srv.URL+"/binary", srv.URL+"/empty")
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	out := decodeResult[scrapeOutput](t, res)
	wantErr := map[string]string{
		srv.URL + "/missing": "HTTP 404",
		srv.URL + "/binary":  "unsupported content type",
		srv.URL + "/empty":   "no readable text",
	}
	for _, p := range out.Pages {
		want, failed := wantErr[p.URL]
		if !failed {
			if p.Error != "" {
				t.Errorf("%s: unexpected error %q", p.URL, p.Error)
			}
			continue
		}
		if !strings.Contains(p.Error, want) {
			t.Errorf("%s: error = %q, want %q", p.URL, p.Error, want)
		}
		if strings.Contains(out.Information, p.URL) {
			t.Errorf("failed page %s in information", p.URL)
		}
	}
}

func TestScrapePagesAllFailed(t *testing.T) {
	srv := newPageServer(t)
	res := scrape(t, newTestScraper(srv, nil), context.Background(), srv.URL+"/missing", srv.URL+"/gone")
	if !res.IsError || !strings.Contains(res.Content, "all 2 pages failed") {
		t.Errorf("result = %+v", res)
	}
}

func TestScrapePagesBlocksPrivateAddresses(t *testing.T) {
	srv := newPageServer(t)
	tool := NewScrapePagesTool(srv.Client(), nil, ScrapeConfig{}, newTestLogger())
	res := scrape(t, tool, context.Background(), srv.URL+"/article")
	if !res.IsError || !strings.Contains(res.Content, "blocked") {
		t.Errorf("loopback page fetched: %+v", res)
	}
}

func TestScrapePagesLimitsAndDedupes(t *testing.T) {
	srv := newPageServer(t)
	ctx := domain.ContextWithInvocation(context.Background(), domain.Invocation{Optimization: domain.OptimizationCheap})

	urls := []string{
		srv.URL + "/page/1", srv.URL + "/page/1", " " + srv.URL + "/page/2 ",
		srv.URL + "/page/3", srv.URL + "/page/4", "",
	}
	out := decodeResult[scrapeOutput](t, scrape(t, newTestScraper(srv, nil), ctx, urls...))
	if len(out.Pages) != 3 {
		t.Fatalf("pages = %d, want cheap limit 3", len(out.Pages))
	}
	for i, p := range out.Pages {
		if want := fmt.Sprintf("%s/page/%d", srv.URL, i+1); p.URL != want {
			t.Errorf("pages[%d] = %s, want %s", i, p.URL, want)
		}
	}
}

func TestScrapePagesProgress(t *testing.T) {
	srv := newPageServer(t)
	rec := &progressRecorder{}
	ctx := domain.ContextWithInvocation(context.Background(), domain.Invocation{OnProgress: rec.record})

	scrape(t, newTestScraper(srv, nil), ctx, srv.URL+"/page/1", srv.URL+"/page/2", srv.URL+"/missing")
	if got := rec.count("fetching"); got != 3 {
		t.Errorf("fetching events = %d, want 3", got)
	}
	if got := rec.count("converting"); got != 2 {
		t.Errorf("converting events = %d, want 2", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	seen := map[int]bool{}
	for _, ev := range rec.events {
		if ev.Phase != "fetching" {
			continue
		}
		if ev.Fields["total"] != 3 {
			t.Errorf("total = %v", ev.Fields["total"])
		}
		seen[ev.Fields["current"].(int)] = true
	}
	if len(seen) != 3 {
		t.Errorf("current values = %v", seen)
	}
}

func TestScrapePagesTruncatesToBudget(t *testing.T) {
	srv := newPageServer(t)
	out := decodeResult[scrapeOutput](t, scrape(t, newTestScraper(srv, &recordingTruncator{limit: 20}), context.Background(), srv.URL+"/article"))
	if len(out.Information) != 20 {
		t.Errorf("information length = %d, want 20", len(out.Information))
	}
}

func TestScrapePagesBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, strings.Repeat("a", 5000))
	}))
	defer srv.Close()

	tool := NewScrapePagesTool(srv.Client(), nil, ScrapeConfig{AllowPrivate: true, MaxPageBytes: 100}, newTestLogger())
	out := decodeResult[scrapeOutput](t, scrape(t, tool, context.Background(), srv.URL))
	if out.Pages[0].Chars != 100 {
		t.Errorf("chars = %d, want 100", out.Pages[0].Chars)
	}
}

func TestDedupeURLs(t *testing.T) {
	got := dedupeURLs([]string{"a", " a ", "", "b", "a"})
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("dedupeURLs = %v", got)
	}
}

func TestScrapePagesKeepsPagesWhole(t *testing.T) {
	pageText := func(n int) string {
		paras := make([]string, 3)
		for i := range paras {
			paras[i] = fmt.Sprintf("Paragraph %d of page %d. %s", i+1, n, strings.Repeat("w", 30))
		}
		return strings.Join(paras, "\n\n")
	}
	pages := []scrapedPage{
		{url: "https://example.com/1", title: "Page 1", markdown: pageText(1)},
		{url: "https://example.com/2", title: "Page 2", markdown: pageText(2)},
	}

	first := "Source: Page 1 (https://example.com/1)\n" + strings.ReplaceAll(pageText(1), "\n\n", "\n")
	notice := budget.TruncationNotice(1, 2)
	tokens := (len(first)+2+len(notice))/4 + 1
	b := budget.New(budget.Config{Table: budget.NewTable(nil, tokens), CharsPerToken: 4})
	tool := NewScrapePagesTool(http.DefaultClient, b, ScrapeConfig{}, newTestLogger())

	out := tool.assemble(pages, "any")
	if !strings.HasPrefix(out.Information, first) {
		t.Fatalf("first page not kept whole:\n%s", out.Information)
	}
	if strings.Contains(out.Information, "page 2") {
		t.Errorf("second page should be dropped:\n%s", out.Information)
	}
	if !strings.HasSuffix(out.Information, notice) {
		t.Errorf("notice should count pages, got:\n%s", out.Information)
	}
	if strings.Count(out.Information, "\n\n") != 1 {
		t.Errorf("blank lines must only separate sources:\n%s", out.Information)
	}
}
