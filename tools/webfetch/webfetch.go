// Package webfetch exposes headless page fetching with readability
// extraction as a tool backend.
package webfetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/dispatch"
)

// Page is the extracted content of one fetched URL.
type Page struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Byline   string `json:"byline"`
	Text     string `json:"text"`
	HTMLHash string `json:"html_hash"`
	RenderMS int    `json:"render_ms"`
}

// Backend owns a long-lived Chrome context for performance. Construct
// once; Close on shutdown.
type Backend struct {
	cfg config.WebFetchConfig

	allocCtx  context.Context
	cancelAll context.CancelFunc
	brCtx     context.Context
	cancelBr  context.CancelFunc
}

func New(cfg config.WebFetchConfig) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "browser" }

func (b *Backend) Init(ctx context.Context) error {
	if !b.cfg.Enabled {
		return errors.New("web fetch disabled (tools.web_fetch.enabled)")
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
	)
	b.allocCtx, b.cancelAll = chromedp.NewExecAllocator(context.Background(), opts...)
	b.brCtx, b.cancelBr = chromedp.NewContext(b.allocCtx)
	return nil
}

// Close tears down Chrome resources.
func (b *Backend) Close() {
	if b.cancelBr != nil {
		b.cancelBr()
	}
	if b.cancelAll != nil {
		b.cancelAll()
	}
}

func (b *Backend) Tools() []dispatch.ToolDesc {
	return []dispatch.ToolDesc{
		{
			Name:        "fetch",
			Description: "Fetch a web page in a headless browser and extract its readable text",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{"type": "string", "minLength": 1},
				},
				"required":             []interface{}{"url"},
				"additionalProperties": false,
			},
		},
	}
}

func (b *Backend) Call(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	if tool != "fetch" {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
	link, _ := args["url"].(string)
	page, err := b.fetch(ctx, link)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"result": page.Text,
		"page":   page,
	}, nil
}

func (b *Backend) fetch(ctx context.Context, link string) (Page, error) {
	if strings.TrimSpace(link) == "" {
		return Page{}, errors.New("invalid url")
	}
	timeout := b.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t0 := time.Now()
	html, err := b.outerHTML(ctx, link)
	if err != nil {
		return Page{}, fmt.Errorf("render %s: %w", link, err)
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(link))
	if err != nil {
		return Page{}, fmt.Errorf("extract %s: %w", link, err)
	}

	maxLen := b.cfg.MaxBodyLen
	if maxLen <= 0 {
		maxLen = 12000
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxLen {
		text = text[:maxLen]
	}
	sum := sha1.Sum([]byte(html))
	return Page{
		URL:      link,
		Title:    strings.TrimSpace(article.Title),
		Byline:   strings.TrimSpace(article.Byline),
		Text:     text,
		HTMLHash: hex.EncodeToString(sum[:]),
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

func (b *Backend) outerHTML(ctx context.Context, link string) (string, error) {
	runCtx, cancel := context.WithCancel(b.brCtx)
	defer cancel()
	go func() {
		<-ctx.Done()
		cancel()
	}()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(link),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
