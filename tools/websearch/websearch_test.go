package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
)

func TestInitRequiresAPIKey(t *testing.T) {
	t.Parallel()

	b := New(config.WebSearchConfig{})
	if err := b.Init(context.Background()); err == nil {
		t.Fatal("expected error without API keys")
	}
}

func TestSerperDiscover(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "serper-key" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte(`{"organic":[
			{"title":"The Go Programming Language","link":"https://go.dev","snippet":"Build simple software"},
			{"title":"Go docs","link":"https://go.dev/doc","snippet":"Documentation"}
		]}`))
	}))
	defer srv.Close()

	s := serperSearch{apiKey: "serper-key", endpoint: srv.URL, client: srv.Client()}
	hits, err := s.Discover(context.Background(), "golang", 2)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(hits) != 2 || hits[0].URL != "https://go.dev" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestBraveDiscoverCapsResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "brave-key" {
			t.Errorf("missing subscription token")
		}
		w.Write([]byte(`{"web":{"results":[
			{"title":"a","url":"https://a.example","description":"one"},
			{"title":"b","url":"https://b.example","description":"two"},
			{"title":"c","url":"https://c.example","description":"three"}
		]}}`))
	}))
	defer srv.Close()

	b := braveSearch{apiKey: "brave-key", endpoint: srv.URL, client: srv.Client()}
	hits, err := b.Discover(context.Background(), "golang", 2)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want capped at 2", len(hits))
	}
}

func TestCallFallsBackAcrossProviders(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web":{"results":[{"title":"Go","url":"https://go.dev","description":"hit"}]}}`))
	}))
	defer good.Close()

	b := New(config.WebSearchConfig{MaxResults: 5, Timeout: 5 * time.Second})
	b.searchers = []searcher{
		serperSearch{apiKey: "k", endpoint: bad.URL, client: bad.Client()},
		braveSearch{apiKey: "k", endpoint: good.URL, client: good.Client()},
	}

	out, err := b.Call(context.Background(), "search", map[string]interface{}{"query": "golang"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out["provider"] != "brave" {
		t.Fatalf("provider = %v, want brave fallback", out["provider"])
	}
	text, _ := out["result"].(string)
	if !strings.Contains(text, "https://go.dev") {
		t.Fatalf("result text = %q", text)
	}
}

func TestCallUnknownTool(t *testing.T) {
	t.Parallel()

	b := New(config.WebSearchConfig{})
	if _, err := b.Call(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}
