package toolset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/httpx"
)

const userAgent = "selfheal/1.0 (+incident-research)"

// Page is the readable text extracted from one URL.
type Page struct {
	URL    string
	Title  string
	Byline string
	Text   string
	Status int
	Took   time.Duration
}

// WebFetchCapability extracts article text from runbook or vendor pages.
// Mode "browser" renders through headless Chrome; "http" fetches directly.
type WebFetchCapability struct {
	mode     string
	timeout  time.Duration
	maxChars int
	client   *http.Client
}

func NewWebFetch(cfg config.FetchConfig) *WebFetchCapability {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 4000
	}
	return &WebFetchCapability{
		mode:     cfg.Mode,
		timeout:  timeout,
		maxChars: maxChars,
		client:   httpx.New(timeout, 0, 0).HTTP(),
	}
}

func (c *WebFetchCapability) Name() string  { return WebFetch }
func (c *WebFetchCapability) Ops() []string { return []string{OpFetch} }
func (c *WebFetchCapability) Close() error  { return nil }

// Call expects args["url"] and returns the page title followed by its text.
func (c *WebFetchCapability) Call(ctx context.Context, op string, args map[string]any) (string, error) {
	if op != OpFetch {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedOp, op)
	}
	page, err := c.Fetch(ctx, argString(args, "url"))
	if err != nil {
		return "", err
	}
	if page.Title == "" {
		return page.Text, nil
	}
	return page.Title + "\n\n" + page.Text, nil
}

// Fetch retrieves raw and extracts readable text, truncated to maxChars.
func (c *WebFetchCapability) Fetch(ctx context.Context, raw string) (Page, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Page{}, errors.New("invalid url")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	t0 := time.Now()

	var html string
	status := http.StatusOK
	if c.mode == "browser" {
		html, err = renderHTML(ctx, raw)
	} else {
		html, status, err = c.getHTML(ctx, raw)
	}
	if err != nil {
		return Page{URL: raw, Status: status, Took: time.Since(t0)}, err
	}

	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return Page{URL: raw, Status: status, Took: time.Since(t0)}, fmt.Errorf("extract: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if r := []rune(text); len(r) > c.maxChars {
		text = string(r[:c.maxChars])
	}
	return Page{
		URL:    raw,
		Title:  strings.TrimSpace(article.Title),
		Byline: strings.TrimSpace(article.Byline),
		Text:   text,
		Status: status,
		Took:   time.Since(t0),
	}, nil
}

func (c *WebFetchCapability) getHTML(ctx context.Context, raw string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("fetch %s: status %d", raw, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

func renderHTML(ctx context.Context, raw string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(raw),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
