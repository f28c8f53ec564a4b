package llm

import (
	"context"
	"sync"

	"github.com/errandlabs/errand/internal/ports"
)

// MockClient is an LLMClient for tests and offline development. Each
// call returns the next scripted response, or a canned JSON object
// when the script runs out.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	calls     []ports.CompletionRequest
}

// MockResponse is one scripted completion outcome.
type MockResponse struct {
	Text string
	Err  error
}

// NewMockClient creates a mock with no scripted responses.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

var _ ports.LLMClient = (*MockClient)(nil)

// Complete pops the next scripted response.
func (m *MockClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.responses) == 0 {
		return &ports.CompletionResponse{
			Text:         `{"summary": "mock response"}`,
			InputTokens:  len(req.Prompt) / 4,
			OutputTokens: 8,
		}, nil
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	return &ports.CompletionResponse{
		Text:         next.Text,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(next.Text) / 4,
	}, nil
}

// Calls returns the requests seen so far.
func (m *MockClient) Calls() []ports.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}
