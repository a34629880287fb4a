package collaborators

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/corvid-run/orchestrator/graph/tool"
)

// maxScrapeBytes caps how much of a scraped page's text is kept, so one
// oversized page can't blow the synthesis prompt's budget.
const maxScrapeBytes = 8000

// BraveSearchProvider implements ExternalSearchProvider against the Brave
// Search API for Search and a raw page fetch for Scrape. Both calls go
// through a graph/tool.Tool rather than a bespoke http.Client, so the
// request/response shape (status_code, headers, body as a string map) is
// the same one any other tool-driven node in this codebase would see, and
// tests can substitute tool.MockTool for the real HTTPTool.
type BraveSearchProvider struct {
	http    tool.Tool
	apiKey  string
	baseURL string
}

// NewBraveSearchProvider constructs a BraveSearchProvider backed by a real
// HTTPTool. apiKey is sent as the X-Subscription-Token header on every
// search request.
func NewBraveSearchProvider(apiKey string) *BraveSearchProvider {
	return newBraveSearchProvider(tool.NewHTTPTool(), apiKey)
}

func newBraveSearchProvider(t tool.Tool, apiKey string) *BraveSearchProvider {
	return &BraveSearchProvider{
		http:    t,
		apiKey:  apiKey,
		baseURL: "https://api.search.brave.com/res/v1/web/search",
	}
}

// Search queries the Brave Search API and maps its "web.results" array onto
// SearchResult.
func (p *BraveSearchProvider) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 10
	}

	reqURL := fmt.Sprintf("%s?q=%s&count=%d", p.baseURL, url.QueryEscape(query), maxResults)
	out, err := p.http.Call(ctx, map[string]interface{}{
		"method": "GET",
		"url":    reqURL,
		"headers": map[string]interface{}{
			"Accept":              "application/json",
			"X-Subscription-Token": p.apiKey,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("brave search request: %w", err)
	}

	status, _ := out["status_code"].(int)
	body, _ := out["body"].(string)
	if status != 200 {
		return nil, fmt.Errorf("brave search returned status %d: %s", status, truncate(body, 200))
	}

	results := make([]SearchResult, 0, maxResults)
	for _, r := range gjson.Get(body, "web.results").Array() {
		results = append(results, SearchResult{
			Title:   r.Get("title").String(),
			URL:     r.Get("url").String(),
			Snippet: r.Get("description").String(),
		})
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}

// Scrape fetches pageURL and returns its visible text content, stripped of
// markup, truncated to maxScrapeBytes.
func (p *BraveSearchProvider) Scrape(ctx context.Context, pageURL string) (string, error) {
	out, err := p.http.Call(ctx, map[string]interface{}{"method": "GET", "url": pageURL})
	if err != nil {
		return "", fmt.Errorf("scrape request: %w", err)
	}

	status, _ := out["status_code"].(int)
	if status != 200 {
		return "", fmt.Errorf("scrape of %s returned status %d", pageURL, status)
	}

	body, _ := out["body"].(string)
	text := htmlToText(body)
	return truncate(text, maxScrapeBytes), nil
}

// htmlToText extracts visible text from an HTML document, dropping script
// and style contents and collapsing whitespace between block elements.
func htmlToText(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var walk func(*html.Node)
	skip := map[string]bool{"script": true, "style": true, "noscript": true}
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skip[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				sb.WriteString(trimmed)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(sb.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
