package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const serperEndpoint = "https://google.serper.dev/search"

// serperSearch queries serper.dev. https://serper.dev/ docs
type serperSearch struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func (s serperSearch) Name() string { return "serper" }

func (s serperSearch) Discover(ctx context.Context, q string, k int) ([]Result, error) {
	payload := map[string]any{"q": q, "num": k}
	body, _ := json.Marshal(payload)

	endpoint := s.endpoint
	if endpoint == "" {
		endpoint = serperEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper returned status: %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []Result
	for i, item := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, Result{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return out, nil
}
