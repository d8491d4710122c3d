package toolset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/httpx"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web query.
type Searcher interface {
	Discover(ctx context.Context, q string, k int) ([]SearchResult, error)
}

// ErrNoSearchProvider is returned when no search credential is configured.
var ErrNoSearchProvider = errors.New("no web search provider configured")

// NewSearcher picks Brave when its key is set and Serper otherwise.
func NewSearcher(cfg config.WebSearchConfig) (Searcher, error) {
	client := httpx.New(cfg.Timeout, 2, 500*time.Millisecond)
	switch {
	case strings.TrimSpace(cfg.BraveAPIKey) != "":
		return &BraveSearch{APIKey: cfg.BraveAPIKey, Endpoint: braveEndpoint, client: client}, nil
	case strings.TrimSpace(cfg.SerperAPIKey) != "":
		return &SerperSearch{APIKey: cfg.SerperAPIKey, Endpoint: serperEndpoint, client: client}, nil
	default:
		return nil, ErrNoSearchProvider
	}
}

const (
	braveEndpoint  = "https://api.search.brave.com/res/v1/web/search"
	serperEndpoint = "https://google.serper.dev/search"
)

// BraveSearch queries the Brave web search API.
type BraveSearch struct {
	APIKey   string
	Endpoint string
	client   *httpx.Client
}

func (s *BraveSearch) Discover(ctx context.Context, q string, k int) ([]SearchResult, error) {
	// https://api.search.brave.com/app/documentation/web-search
	u := fmt.Sprintf("%s?q=%s&count=%d", s.Endpoint, url.QueryEscape(q), k)
	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	headers := map[string]string{"Accept": "application/json", "X-Subscription-Token": s.APIKey}
	if err := s.client.DoJSON(ctx, "GET", u, headers, nil, &raw); err != nil {
		return nil, err
	}
	var out []SearchResult
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}

// SerperSearch queries the Serper Google search API.
type SerperSearch struct {
	APIKey   string
	Endpoint string
	client   *httpx.Client
}

func (s *SerperSearch) Discover(ctx context.Context, q string, k int) ([]SearchResult, error) {
	// https://serper.dev/ docs
	payload := map[string]any{"q": q, "num": k}
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := s.client.DoJSON(ctx, "POST", s.Endpoint, map[string]string{"X-API-KEY": s.APIKey}, payload, &raw); err != nil {
		return nil, err
	}
	var out []SearchResult
	for i, r := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

// WebSearchCapability exposes a Searcher as the "websearch" capability.
type WebSearchCapability struct {
	searcher   Searcher
	maxResults int
}

func NewWebSearch(s Searcher, maxResults int) *WebSearchCapability {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearchCapability{searcher: s, maxResults: maxResults}
}

func (c *WebSearchCapability) Name() string  { return WebSearch }
func (c *WebSearchCapability) Ops() []string { return []string{OpSearch} }
func (c *WebSearchCapability) Close() error  { return nil }

// Call expects args["query"] and an optional integer args["limit"]. The
// result is a numbered plain-text list suitable for a prompt.
func (c *WebSearchCapability) Call(ctx context.Context, op string, args map[string]any) (string, error) {
	if op != OpSearch {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedOp, op)
	}
	q := strings.TrimSpace(argString(args, "query"))
	if q == "" {
		return "", errors.New("query is required")
	}
	k := argInt(args, "limit", c.maxResults)
	results, err := c.searcher.Discover(ctx, q, k)
	if err != nil {
		return "", err
	}
	return FormatResults(results), nil
}

// FormatResults renders hits one per block.
func FormatResults(results []SearchResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, strings.TrimSpace(r.Title), r.URL)
		if s := strings.TrimSpace(r.Snippet); s != "" {
			fmt.Fprintf(&b, "   %s\n", s)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}
