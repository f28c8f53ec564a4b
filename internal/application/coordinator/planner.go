package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/domain"
	"github.com/errandlabs/errand/internal/ports"
)

// Planner decomposes a natural-language request into an executable plan.
type Planner interface {
	Plan(ctx context.Context, req *domain.Request) (*domain.Plan, error)
}

// KeywordPlanner classifies queries with keyword matching. Product
// searches get a composed plan: a parallel search fan-out, a ranking
// step, and a summary, with an acceptance rule requiring results.
// Everything else becomes a single task on the matched capability.
type KeywordPlanner struct {
	logger *zap.Logger
}

// NewKeywordPlanner creates a keyword-based planner.
func NewKeywordPlanner(logger *zap.Logger) *KeywordPlanner {
	return &KeywordPlanner{logger: logger}
}

var capabilityKeywords = []struct {
	capability domain.Capability
	keywords   []string
}{
	{domain.CapabilityDocumentProcessing, []string{"summarize", "document", "pdf", "extract", "translate", "convert"}},
	{domain.CapabilityCodeAssistance, []string{"code", "function", "bug", "debug", "implement", "refactor", "script"}},
	{domain.CapabilityCustomerService, []string{"order", "refund", "return", "complaint", "support", "policy", "shipping"}},
	{domain.CapabilityDataAnalysis, []string{"analyze", "analysis", "compare", "trend", "statistics", "data", "report"}},
}

var shoppingKeywords = []string{"find", "buy", "search", "price", "product", "cheapest", "shop", "deal", "under"}

// Plan builds a plan for the request query.
func (p *KeywordPlanner) Plan(ctx context.Context, req *domain.Request) (*domain.Plan, error) {
	query := strings.ToLower(req.Query)

	if containsAny(query, shoppingKeywords) {
		plan := p.shoppingPlan()
		p.logger.Debug("planned product search",
			zap.String("request_id", req.ID),
			zap.Int("leaves", plan.LeafCount()))
		return plan, nil
	}

	capability := domain.CapabilityGeneral
	for _, entry := range capabilityKeywords {
		if containsAny(query, entry.keywords) {
			capability = entry.capability
			break
		}
	}

	plan := &domain.Plan{
		ID: uuid.New().String(),
		Steps: []*domain.Step{
			{
				ID:         "answer",
				Name:       "answer the request",
				Kind:       domain.StepTask,
				Capability: capability,
			},
		},
	}
	p.logger.Debug("planned single task",
		zap.String("request_id", req.ID),
		zap.String("capability", string(capability)))
	return plan, nil
}

// shoppingPlan fans the search out in parallel, ranks the merged
// results, and summarizes. The catalog search must yield products for
// the result to be accepted.
func (p *KeywordPlanner) shoppingPlan() *domain.Plan {
	return &domain.Plan{
		ID: uuid.New().String(),
		Steps: []*domain.Step{
			{
				ID:   "fulfill",
				Name: "fulfill product request",
				Kind: domain.StepSequential,
				Children: []*domain.Step{
					{
						ID:   "search",
						Name: "search sources",
						Kind: domain.StepParallel,
						Children: []*domain.Step{
							{
								ID:         "search-catalog",
								Name:       "search product catalog",
								Kind:       domain.StepTask,
								Capability: domain.CapabilityDataAnalysis,
								Retry:      domain.RetryPolicy{MaxAttempts: 2, Delay: 500 * time.Millisecond, BackoffMultiplier: 2},
							},
							{
								ID:         "search-reviews",
								Name:       "search product reviews",
								Kind:       domain.StepTask,
								Capability: domain.CapabilityDataAnalysis,
								BestEffort: true,
							},
						},
					},
					{
						ID:         "rank",
						Name:       "rank results",
						Kind:       domain.StepTask,
						Capability: domain.CapabilityDataAnalysis,
						DependsOn:  []string{"search"},
					},
					{
						ID:         "summarize",
						Name:       "summarize recommendation",
						Kind:       domain.StepTask,
						Capability: domain.CapabilityGeneral,
						DependsOn:  []string{"rank"},
					},
				},
			},
		},
		Acceptance: &domain.AcceptanceSchema{
			Rules: []domain.AcceptanceRule{
				{StepID: "search-catalog", Field: "products", MinItems: 1},
			},
		},
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// LLMPlanner asks the model to decompose the query into steps. The
// model must answer with a JSON array of {id, name, capability}
// objects; the steps run sequentially. Unparseable answers are a
// PlanningError, not a silent fallback.
type LLMPlanner struct {
	llm    ports.LLMClient
	logger *zap.Logger
}

// NewLLMPlanner creates an LLM-backed planner.
func NewLLMPlanner(llm ports.LLMClient, logger *zap.Logger) *LLMPlanner {
	return &LLMPlanner{llm: llm, logger: logger}
}

const plannerSystemPrompt = `You decompose user requests into executable steps.
Answer with a JSON array only. Each element is an object with:
  "id":         short unique identifier,
  "name":       human-readable step name,
  "capability": one of document_processing, data_analysis, customer_service, code_assistance, general.
Use as few steps as the request needs.`

type plannedStep struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Capability string `json:"capability"`
}

// Plan asks the LLM for a decomposition and validates the result.
func (p *LLMPlanner) Plan(ctx context.Context, req *domain.Request) (*domain.Plan, error) {
	resp, err := p.llm.Complete(ctx, ports.CompletionRequest{
		System: plannerSystemPrompt,
		Prompt: req.Query,
	})
	if err != nil {
		return nil, &domain.PlanningError{Detail: "planner llm call failed", Err: err}
	}

	steps, err := parsePlannedSteps(resp.Text)
	if err != nil {
		return nil, &domain.PlanningError{Detail: "planner returned malformed steps", Err: err}
	}

	plan := &domain.Plan{ID: uuid.New().String()}
	for _, s := range steps {
		capability := domain.Capability(s.Capability)
		if !domain.KnownCapability(capability) {
			capability = domain.CapabilityGeneral
		}
		plan.Steps = append(plan.Steps, &domain.Step{
			ID:         s.ID,
			Name:       s.Name,
			Kind:       domain.StepTask,
			Capability: capability,
		})
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	p.logger.Debug("llm planner produced plan",
		zap.String("request_id", req.ID),
		zap.Int("steps", len(plan.Steps)))
	return plan, nil
}

func parsePlannedSteps(text string) ([]plannedStep, error) {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in planner output")
	}
	var steps []plannedStep
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &steps); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("planner output has no steps")
	}
	return steps, nil
}
