package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/telemetry"
	"github.com/mohammad-safakhou/stepwise/models"
)

// client implements the oracle interface using OpenAI's chat completions API
type client struct {
	apiKey          string
	baseURL         string
	model           string
	maxRetries      int
	costPer1KInput  float64
	costPer1KOutput float64
	httpClient      *http.Client
	telemetry       *telemetry.Telemetry
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// request represents a request to the OpenAI API
type request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// response represents a response from the OpenAI API
type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// NewClient creates a new OpenAI oracle client. A nil telemetry disables
// oracle event recording.
func NewClient(cfg config.LLMConfig, tel *telemetry.Telemetry) *client {
	cfg = cfg.Normalize()
	return &client{
		apiKey:          cfg.APIKey,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		model:           cfg.Model,
		maxRetries:      cfg.MaxRetries,
		costPer1KInput:  cfg.CostPer1KInput,
		costPer1KOutput: cfg.CostPer1KOutput,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		telemetry:       tel,
	}
}

const perceiveSystemPrompt = `You are the perception stage of a bounded task executor. Given a user query, a catalog of available tools and a summary of prior steps, decide which tools could help and which execution strategy fits.

Strategies:
- "conservative": one careful tool call (or none) per step
- "exploratory_parallel": several independent tool calls whose results are joined
- "exploratory_sequential": an ordered fallback chain, next tried only when the previous fails or returns nothing

Respond ONLY with valid JSON:
{"candidate_tools": ["tool names from the catalog"], "strategy": "conservative|exploratory_parallel|exploratory_sequential", "notes": "one sentence"}`

const planSystemPrompt = `You are the planning stage of a bounded task executor. Produce exactly one plan document for the current step. A plan is data, never code: it names tool calls for the host to run and says how to respond.

Respond ONLY with a valid JSON plan document:
{
  "version": "1",
  "strategy": "<the strategy you were given>",
  "join": "all|first_success",
  "calls": [{"tool": "<catalog name>", "args": {...}}],
  "respond": {"kind": "final_answer|further_processing", "template": "text, {{result}} is replaced by the joined tool output"}
}

Rules:
- conservative strategy: at most one call; zero calls means you answer from reasoning alone
- use "final_answer" only when the template alone fully answers the query
- use "further_processing" when the tool output must be inspected in a later step
- only tools from the given catalog plus util.json and util.regex may be called`

// Perceive asks the oracle which tools and strategy fit the query.
func (c *client) Perceive(ctx context.Context, query string, history []string, tools []models.ToolInfo) (models.Perception, error) {
	user := map[string]interface{}{
		"query":   query,
		"tools":   tools,
		"history": history,
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return models.Perception{}, fmt.Errorf("marshal perceive payload: %w", err)
	}

	content, err := c.complete(ctx, "perceive", perceiveSystemPrompt, string(payload))
	if err != nil {
		return models.Perception{}, err
	}

	var perception models.Perception
	if err := json.Unmarshal([]byte(stripFences(content)), &perception); err != nil {
		return models.Perception{}, fmt.Errorf("parse perception: %w", err)
	}
	return perception, nil
}

// Plan asks the oracle for one raw plan document. The bytes are returned
// unvalidated.
func (c *client) Plan(ctx context.Context, req models.PlanRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal plan request: %w", err)
	}
	content, err := c.complete(ctx, "plan", planSystemPrompt, string(payload))
	if err != nil {
		return nil, err
	}
	return []byte(stripFences(content)), nil
}

// complete performs one chat completion with simple retry on transport and
// 5xx failures. Every completion is reported as one oracle event carrying
// token usage and the estimated cost.
func (c *client) complete(ctx context.Context, operation, system, user string) (string, error) {
	start := time.Now()
	event := telemetry.OracleEvent{Model: c.model, Operation: operation}
	defer func() {
		if c.telemetry != nil {
			event.Duration = time.Since(start)
			c.telemetry.RecordOracleEvent(ctx, event)
		}
	}()

	body := request{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.2,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("send request: %w", err)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("API returned status: %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return "", fmt.Errorf("API returned status: %d", resp.StatusCode)
		}

		var parsed response
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("parse response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return "", fmt.Errorf("empty completion response")
		}
		event.Success = true
		event.TokensUsed = parsed.Usage.TotalTokens
		event.Cost = float64(parsed.Usage.PromptTokens)/1000.0*c.costPer1KInput +
			float64(parsed.Usage.CompletionTokens)/1000.0*c.costPer1KOutput
		return parsed.Choices[0].Message.Content, nil
	}
	return "", lastErr
}

// stripFences removes a markdown code fence the model may wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
