package provider

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/telemetry"
	"github.com/mohammad-safakhou/stepwise/models"
	openai_provider "github.com/mohammad-safakhou/stepwise/provider/openai"
)

// Client represents different planning oracle providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Oracle is the external planning black box. Implementations return raw
// plan JSON; validation happens entirely on the caller's side.
type Oracle interface {
	Perceive(ctx context.Context, query string, history []string, tools []models.ToolInfo) (models.Perception, error)
	Plan(ctx context.Context, req models.PlanRequest) ([]byte, error)
}

// NewOracle creates an oracle client from configuration. Oracle requests
// are reported to tel when it is non-nil.
func NewOracle(cfg config.LLMConfig, tel *telemetry.Telemetry) (Oracle, error) {
	switch Client(cfg.Provider) {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return openai_provider.NewClient(cfg, tel), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported oracle provider")
	}
}
