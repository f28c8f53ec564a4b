// Package tester validates aggregated results against a plan's
// acceptance schema before a request is allowed to complete.
package tester

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/domain"
)

// Verdict is the outcome of one validation pass. A rejected verdict
// names the leaf steps whose outputs need to be re-executed.
type Verdict struct {
	Accepted     bool     `json:"accepted"`
	Reason       string   `json:"reason,omitempty"`
	FailingSteps []string `json:"failing_steps,omitempty"`
}

// Agent checks results deterministically: every acceptance rule must
// hold for the verdict to be accepted. Without a schema everything
// passes.
type Agent struct {
	logger *zap.Logger
}

// New creates a tester agent.
func New(logger *zap.Logger) *Agent {
	return &Agent{logger: logger}
}

// Validate judges an aggregated result against the acceptance schema.
func (a *Agent) Validate(output map[string]any, schema *domain.AcceptanceSchema) Verdict {
	if schema == nil || len(schema.Rules) == 0 {
		return Verdict{Accepted: true}
	}

	var reasons []string
	failing := make(map[string]bool)
	for _, rule := range schema.Rules {
		if reason := checkRule(output, rule); reason != "" {
			reasons = append(reasons, reason)
			failing[rule.StepID] = true
		}
	}

	if len(reasons) == 0 {
		return Verdict{Accepted: true}
	}

	steps := make([]string, 0, len(failing))
	for _, rule := range schema.Rules {
		if failing[rule.StepID] {
			steps = append(steps, rule.StepID)
			failing[rule.StepID] = false
		}
	}

	verdict := Verdict{
		Accepted:     false,
		Reason:       strings.Join(reasons, "; "),
		FailingSteps: steps,
	}
	a.logger.Info("result rejected",
		zap.String("reason", verdict.Reason),
		zap.Strings("failing_steps", verdict.FailingSteps))
	return verdict
}

func checkRule(output map[string]any, rule domain.AcceptanceRule) string {
	stepOut, ok := output[rule.StepID].(map[string]any)
	if !ok {
		return fmt.Sprintf("step %q produced no output", rule.StepID)
	}
	value, ok := stepOut[rule.Field]
	if !ok || value == nil {
		return fmt.Sprintf("step %q is missing field %q", rule.StepID, rule.Field)
	}
	if rule.MinItems > 0 {
		items, ok := value.([]any)
		if !ok {
			return fmt.Sprintf("field %q of step %q is not a list", rule.Field, rule.StepID)
		}
		if len(items) < rule.MinItems {
			return fmt.Sprintf("field %q of step %q has %d items, need at least %d",
				rule.Field, rule.StepID, len(items), rule.MinItems)
		}
	}
	return ""
}
