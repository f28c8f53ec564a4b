package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/ports"
	"github.com/errandlabs/errand/pkg/adapters/llm/anthropic"
)

// Config holds LLM client configuration.
type Config struct {
	Provider string
	APIKey   string
	Model    string
	Logger   *zap.Logger
}

// NewClient creates an LLM client for the configured provider.
func NewClient(cfg *Config) (ports.LLMClient, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(cfg.APIKey, cfg.Model, cfg.Logger)
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
