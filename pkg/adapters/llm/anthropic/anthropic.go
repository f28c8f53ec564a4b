// Package anthropic wraps the Anthropic Messages API behind the
// LLMClient interface.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/ports"
)

const defaultMaxTokens = 4096

// Client calls the Anthropic Messages API. Workers treat it as an
// opaque capability; all failures surface as plain errors and the
// caller decides how to classify them.
type Client struct {
	client *anthropic.Client
	model  anthropic.Model
	logger *zap.Logger
}

// NewClient creates an Anthropic client. An empty model falls back to
// a current Sonnet model.
func NewClient(apiKey, model string, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if model == "" {
		model = string(anthropic.ModelClaude3_5Sonnet20241022)
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		client: &client,
		model:  anthropic.Model(model),
		logger: logger,
	}, nil
}

// Complete sends one prompt and returns the concatenated text output
// with token accounting.
func (c *Client) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	c.logger.Debug("completion finished",
		zap.String("model", string(c.model)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens))

	return &ports.CompletionResponse{
		Text:         text,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}
