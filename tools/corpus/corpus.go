// Package corpus exposes an in-memory BM25 index as a tool backend, so a
// session can stash fetched documents and search over them in later steps.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/dispatch"
)

const (
	chunkChars   = 1000
	overlapChars = 200
)

// DocChunk is the indexed unit: one slice of an ingested document.
type DocChunk struct {
	DocID      string    `json:"doc_id"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text"`
	ChunkIndex int       `json:"chunk_index"`
	IngestedAt time.Time `json:"ingested_at"`
}

// SearchHit is one BM25 match.
type SearchHit struct {
	DocID   string  `json:"doc_id"`
	URL     string  `json:"url,omitempty"`
	Title   string  `json:"title,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// Backend provides corpus/ingest and corpus/search over one mem-only
// bleve index per process.
type Backend struct {
	cfg config.CorpusConfig

	mu    sync.RWMutex
	index bleve.Index
	meta  map[string]DocChunk
}

func New(cfg config.CorpusConfig) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "corpus" }

func (b *Backend) Init(ctx context.Context) error {
	if !b.cfg.Enabled {
		return errors.New("corpus disabled (tools.corpus.enabled)")
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	b.index = index
	b.meta = make(map[string]DocChunk)
	return nil
}

func (b *Backend) Tools() []dispatch.ToolDesc {
	return []dispatch.ToolDesc{
		{
			Name:        "ingest",
			Description: "Add a document to the session corpus for later search",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text":  map[string]interface{}{"type": "string", "minLength": 1},
					"url":   map[string]interface{}{"type": "string"},
					"title": map[string]interface{}{"type": "string"},
				},
				"required":             []interface{}{"text"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "search",
			Description: "BM25 search over previously ingested documents",
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
	switch tool {
	case "ingest":
		return b.ingest(args)
	case "search":
		return b.search(args)
	default:
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
}

func (b *Backend) ingest(args map[string]interface{}) (map[string]interface{}, error) {
	text, _ := args["text"].(string)
	url, _ := args["url"].(string)
	title, _ := args["title"].(string)

	chunks := chunkText(text)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, chunk := range chunks {
		doc := DocChunk{
			DocID:      uuid.New().String(),
			URL:        url,
			Title:      title,
			Text:       chunk,
			ChunkIndex: i,
			IngestedAt: time.Now(),
		}
		if err := b.index.Index(doc.DocID, doc); err != nil {
			return nil, fmt.Errorf("index chunk %d: %w", i, err)
		}
		b.meta[doc.DocID] = doc
	}
	return map[string]interface{}{
		"result": fmt.Sprintf("ingested %d chunk(s)", len(chunks)),
		"chunks": len(chunks),
	}, nil
}

func (b *Backend) search(args map[string]interface{}) (map[string]interface{}, error) {
	q, _ := args["query"].(string)

	k := b.cfg.MaxResults
	if k <= 0 {
		k = 5
	}
	if n, ok := args["max_results"].(float64); ok && int(n) > 0 && int(n) < k {
		k = int(n)
	}

	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)

	b.mu.RLock()
	defer b.mu.RUnlock()
	res, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []SearchHit
	for i, hit := range res.Hits {
		doc := b.meta[hit.ID]
		hits = append(hits, SearchHit{
			DocID:   hit.ID,
			URL:     doc.URL,
			Title:   doc.Title,
			Snippet: snippet(doc.Text),
			Score:   hit.Score,
			Rank:    i + 1,
		})
	}
	return map[string]interface{}{
		"result": formatHits(hits),
		"hits":   hits,
	}, nil
}

func chunkText(text string) []string {
	text = strings.TrimSpace(text)
	if len(text) <= chunkChars {
		return []string{text}
	}
	var out []string
	for start := 0; start < len(text); start += chunkChars - overlapChars {
		end := start + chunkChars
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[start:end])
		if end == len(text) {
			break
		}
	}
	return out
}

func snippet(text string) string {
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}

func formatHits(hits []SearchHit) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "%d. %s", h.Rank, h.Title)
		if h.URL != "" {
			fmt.Fprintf(&sb, " (%s)", h.URL)
		}
		sb.WriteString("\n" + h.Snippet + "\n")
	}
	return strings.TrimSpace(sb.String())
}
