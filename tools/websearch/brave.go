package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// braveSearch queries the Brave Search API.
// https://api.search.brave.com/app/documentation/web-search
type braveSearch struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func (b braveSearch) Name() string { return "brave" }

func (b braveSearch) Discover(ctx context.Context, q string, k int) ([]Result, error) {
	endpoint := b.endpoint
	if endpoint == "" {
		endpoint = braveEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s?q=%s&count=%d", endpoint, url.QueryEscape(q), k), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave returned status: %d", resp.StatusCode)
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []Result
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}
