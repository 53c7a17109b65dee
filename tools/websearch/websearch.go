// Package websearch exposes web search as a tool backend, fanning out to
// Serper or Brave depending on which API keys are configured.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/dispatch"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searcher interface {
	Name() string
	Discover(ctx context.Context, q string, k int) ([]Result, error)
}

// Backend provides the web/search tool.
type Backend struct {
	cfg       config.WebSearchConfig
	searchers []searcher
	logger    *log.Logger
}

func New(cfg config.WebSearchConfig) *Backend {
	return &Backend{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[WEBSEARCH] ", log.LstdFlags),
	}
}

func (b *Backend) Name() string { return "web" }

// Init wires one searcher per configured API key, Serper first.
func (b *Backend) Init(ctx context.Context) error {
	timeout := b.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	if b.cfg.SerperAPIKey != "" {
		b.searchers = append(b.searchers, serperSearch{apiKey: b.cfg.SerperAPIKey, client: client})
	}
	if b.cfg.BraveAPIKey != "" {
		b.searchers = append(b.searchers, braveSearch{apiKey: b.cfg.BraveAPIKey, client: client})
	}
	if len(b.searchers) == 0 {
		return errors.New("no search API key configured (tools.web_search.serper_api_key or brave_api_key)")
	}
	return nil
}

func (b *Backend) Tools() []dispatch.ToolDesc {
	return []dispatch.ToolDesc{
		{
			Name:        "search",
			Description: "Search the web and return titles, URLs and snippets",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query":       map[string]interface{}{"type": "string", "minLength": 1},
					"max_results": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 20},
				},
				"required":             []interface{}{"query"},
				"additionalProperties": false,
			},
		},
	}
}

func (b *Backend) Call(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	if tool != "search" {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
	query, _ := args["query"].(string)

	k := b.cfg.MaxResults
	if k <= 0 {
		k = 5
	}
	if n, ok := args["max_results"].(float64); ok && int(n) > 0 && int(n) < k {
		k = int(n)
	}

	var lastErr error
	for _, s := range b.searchers {
		hits, err := s.Discover(ctx, query, k)
		if err != nil {
			b.logger.Printf("%s search failed: %v", s.Name(), err)
			lastErr = err
			continue
		}
		return map[string]interface{}{
			"result":   formatHits(hits),
			"hits":     hits,
			"provider": s.Name(),
		}, nil
	}
	return nil, fmt.Errorf("all search providers failed: %w", lastErr)
}

func formatHits(hits []Result) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n%s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			sb.WriteString(h.Snippet + "\n")
		}
	}
	return strings.TrimSpace(sb.String())
}
