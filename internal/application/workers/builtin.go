package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/errandlabs/errand/internal/domain"
	"github.com/errandlabs/errand/internal/ports"
)

// Built-in workers cover the closed capability set. Each one wraps the
// LLM client with a capability-specific system prompt and expects a
// JSON object back.

var systemPrompts = map[domain.Capability]string{
	domain.CapabilityDocumentProcessing: `You process documents: extraction, summarization, and format conversion.
Respond with a single JSON object describing the processed result.`,
	domain.CapabilityDataAnalysis: `You analyze data: comparisons, rankings, filtering, and aggregation.
When asked to search or compare products, return a JSON object with a "products" array,
each entry carrying "name", "price", and "rating" fields, plus a "summary" string.`,
	domain.CapabilityCustomerService: `You handle customer service interactions: order questions, policies, and support.
Respond with a single JSON object with an "answer" field.`,
	domain.CapabilityCodeAssistance: `You assist with code: explanation, review, and generation.
Respond with a single JSON object with a "code" field and an "explanation" field.`,
	domain.CapabilityGeneral: `You are a general-purpose assistant handling tasks no specialist covers.
Respond with a single JSON object summarizing your result in a "summary" field.`,
}

// LLMWorker executes tasks for one capability by delegating to the
// LLM client.
type LLMWorker struct {
	capability domain.Capability
	system     string
	llm        ports.LLMClient
}

// NewLLMWorker creates a worker for the given capability.
func NewLLMWorker(capability domain.Capability, llm ports.LLMClient) *LLMWorker {
	return &LLMWorker{
		capability: capability,
		system:     systemPrompts[capability],
		llm:        llm,
	}
}

// RegisterBuiltins registers one LLM-backed worker per capability.
func RegisterBuiltins(pool *Pool, llm ports.LLMClient) {
	for _, c := range domain.Capabilities {
		pool.Register(NewLLMWorker(c, llm))
	}
}

// Capability returns the worker's capability tag.
func (w *LLMWorker) Capability() domain.Capability {
	return w.capability
}

// Execute runs one task through the LLM. The task either fully
// succeeds or fails with a TaskError; there are no partial results.
func (w *LLMWorker) Execute(ctx context.Context, task domain.Task) (*domain.TaskResult, error) {
	prompt, err := buildPrompt(task)
	if err != nil {
		return nil, &domain.TaskError{
			Reason:  domain.ReasonBadParams,
			Message: "task parameters are not serializable",
			Err:     err,
		}
	}

	resp, err := w.llm.Complete(ctx, ports.CompletionRequest{
		System: w.system,
		Prompt: prompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TaskError{
			Reason:  domain.ReasonLLMFailure,
			Message: fmt.Sprintf("llm call failed for capability %s", w.capability),
			Err:     err,
		}
	}

	data := parseResult(resp.Text)
	return &domain.TaskResult{
		Data:       data,
		TokensUsed: resp.InputTokens + resp.OutputTokens,
	}, nil
}

func buildPrompt(task domain.Task) (string, error) {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task.Query)
	if len(task.Params) > 0 {
		params, err := json.Marshal(task.Params)
		if err != nil {
			return "", err
		}
		b.WriteString("\nParameters: ")
		b.Write(params)
	}
	if len(task.Context) > 0 {
		taskCtx, err := json.Marshal(task.Context)
		if err != nil {
			return "", err
		}
		b.WriteString("\nContext: ")
		b.Write(taskCtx)
	}
	return b.String(), nil
}

// parseResult extracts a JSON object from the model output. Plain text
// responses are wrapped under a "text" key instead of being rejected.
func parseResult(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	if i := strings.Index(trimmed, "{"); i >= 0 {
		if j := strings.LastIndex(trimmed, "}"); j > i {
			var data map[string]any
			if err := json.Unmarshal([]byte(trimmed[i:j+1]), &data); err == nil {
				return data
			}
		}
	}
	return map[string]any{"text": trimmed}
}
