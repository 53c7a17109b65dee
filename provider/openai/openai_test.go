package openai_provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/telemetry"
	"github.com/mohammad-safakhou/stepwise/models"
)

func testClient(baseURL, key string, retries int, tel *telemetry.Telemetry) *client {
	return NewClient(config.LLMConfig{
		APIKey:     key,
		BaseURL:    baseURL,
		Model:      "gpt-4o-mini",
		Timeout:    5 * time.Second,
		MaxRetries: retries,
	}, tel)
}

func completionBody(content string) string {
	body := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
		"usage": map[string]int64{
			"prompt_tokens":     100,
			"completion_tokens": 50,
			"total_tokens":      150,
		},
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func TestPerceive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing auth header")
		}
		w.Write([]byte(completionBody(`{"candidate_tools":["web.search"],"strategy":"conservative","notes":"single lookup"}`)))
	}))
	defer srv.Close()

	c := testClient(srv.URL, "test-key", 1, nil)
	p, err := c.Perceive(context.Background(), "what is go", nil, []models.ToolInfo{{Name: "web.search"}})
	if err != nil {
		t.Fatalf("perceive: %v", err)
	}
	if p.Strategy != "conservative" || len(p.CandidateTools) != 1 {
		t.Fatalf("got %+v", p)
	}
}

func TestPlanStripsFences(t *testing.T) {
	t.Parallel()

	plan := `{"version":"1","strategy":"conservative","calls":[],"respond":{"kind":"final_answer","template":"hi"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody("```json\n" + plan + "\n```")))
	}))
	defer srv.Close()

	c := testClient(srv.URL, "test-key", 1, nil)
	raw, err := c.Plan(context.Background(), models.PlanRequest{Query: "hello"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if string(raw) != plan {
		t.Fatalf("raw = %q", raw)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(completionBody(`{"candidate_tools":[],"strategy":"conservative"}`)))
	}))
	defer srv.Close()

	c := testClient(srv.URL, "test-key", 2, nil)
	if _, err := c.Perceive(context.Background(), "q", nil, nil); err != nil {
		t.Fatalf("perceive after retry: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestCompleteFailsFastOnClientError(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL, "bad-key", 3, nil)
	if _, err := c.Perceive(context.Background(), "q", nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("client errors must not be retried, calls = %d", calls)
	}
}

func TestOracleEventsRecorded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody(`{"candidate_tools":[],"strategy":"conservative"}`)))
	}))
	defer srv.Close()

	tel := telemetry.NewTelemetry(config.TelemetryConfig{Enabled: true, CostTracking: true})
	c := NewClient(config.LLMConfig{
		APIKey:          "test-key",
		BaseURL:         srv.URL,
		Model:           "gpt-4o-mini",
		Timeout:         5 * time.Second,
		MaxRetries:      1,
		CostPer1KInput:  0.01,
		CostPer1KOutput: 0.03,
	}, tel)

	if _, err := c.Perceive(context.Background(), "q", nil, nil); err != nil {
		t.Fatalf("perceive: %v", err)
	}

	metrics := tel.GetMetrics()
	if metrics.OracleRequests["gpt-4o-mini"] != 1 {
		t.Fatalf("oracle requests = %d, want 1", metrics.OracleRequests["gpt-4o-mini"])
	}
	if metrics.OracleTokens["gpt-4o-mini"] != 150 {
		t.Fatalf("oracle tokens = %d, want 150", metrics.OracleTokens["gpt-4o-mini"])
	}

	costs := tel.GetCostSummary()
	want := 100.0/1000.0*0.01 + 50.0/1000.0*0.03
	if costs.TotalCost != want {
		t.Fatalf("total cost = %v, want %v", costs.TotalCost, want)
	}
	if costs.OperationCosts["perceive"] != want {
		t.Fatalf("perceive cost = %v, want %v", costs.OperationCosts["perceive"], want)
	}
}
