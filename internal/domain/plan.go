package domain

import (
	"fmt"
	"time"
)

// StepKind is the composition role of a plan step.
type StepKind string

const (
	StepTask       StepKind = "task"
	StepSequential StepKind = "sequential"
	StepParallel   StepKind = "parallel"
	StepLoop       StepKind = "loop"
)

// StepStatus is the execution state of a step. Steps only move forward:
// pending → running → succeeded | failed.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step status is terminal.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// Capability identifies which worker category can execute a leaf step.
// The set is closed; dispatch falls back to CapabilityGeneral when no
// specialized worker is registered for a tag.
type Capability string

const (
	CapabilityDocumentProcessing Capability = "document_processing"
	CapabilityDataAnalysis       Capability = "data_analysis"
	CapabilityCustomerService    Capability = "customer_service"
	CapabilityCodeAssistance     Capability = "code_assistance"
	CapabilityGeneral            Capability = "general"
)

// Capabilities is the closed capability set.
var Capabilities = []Capability{
	CapabilityDocumentProcessing,
	CapabilityDataAnalysis,
	CapabilityCustomerService,
	CapabilityCodeAssistance,
	CapabilityGeneral,
}

// KnownCapability reports whether c belongs to the closed capability set.
func KnownCapability(c Capability) bool {
	for _, k := range Capabilities {
		if c == k {
			return true
		}
	}
	return false
}

// RetryPolicy bounds retries of a leaf step. A zero MaxAttempts means a
// single attempt with no retries.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	Delay             time.Duration `json:"delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"max_delay"`
}

// DelayFor returns the backoff delay preceding the given retry attempt
// (attempt is 1-based; attempt 1 is the first retry).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if p.Delay <= 0 || attempt < 1 {
		return 0
	}
	d := p.Delay
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Predicate is a loop termination condition evaluated against the
// accumulated step outputs after each iteration.
type Predicate func(outputs map[string]any) bool

// LoopSpec bounds a loop group. Both fields are mandatory: unbounded
// loops are rejected at plan validation.
type LoopSpec struct {
	MaxIterations int
	Until         Predicate
}

// Step is the smallest unit the workflow engine schedules. Leaf (task)
// steps carry a capability tag and parameters; group steps carry
// children. A loop group repeats its children as one sequential body.
type Step struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       StepKind       `json:"kind"`
	Capability Capability     `json:"capability,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	BestEffort bool           `json:"best_effort,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	Retry      RetryPolicy    `json:"retry"`
	Children   []*Step        `json:"children,omitempty"`
	Loop       *LoopSpec      `json:"-"`

	Status   StepStatus   `json:"status"`
	Attempts int          `json:"attempts"`
	Output   map[string]any `json:"output,omitempty"`
	Err      *ErrorDetail `json:"error,omitempty"`
}

// Clone returns a deep copy of the step subtree with execution state
// reset to pending. Loop iterations and validation reruns execute on
// clones so the canonical tree's statuses stay monotonic.
func (s *Step) Clone() *Step {
	cp := *s
	cp.Status = StepPending
	cp.Attempts = 0
	cp.Output = nil
	cp.Err = nil
	if s.Params != nil {
		cp.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			cp.Params[k] = v
		}
	}
	if len(s.Children) > 0 {
		cp.Children = make([]*Step, len(s.Children))
		for i, c := range s.Children {
			cp.Children[i] = c.Clone()
		}
	}
	return &cp
}

// Walk visits the step and all descendants depth-first.
func (s *Step) Walk(fn func(*Step)) {
	fn(s)
	for _, c := range s.Children {
		c.Walk(fn)
	}
}

// Plan is the composed graph of steps produced for one request. Root
// steps execute sequentially.
type Plan struct {
	ID         string            `json:"id"`
	Steps      []*Step           `json:"steps"`
	Acceptance *AcceptanceSchema `json:"acceptance,omitempty"`
}

// Walk visits every step in the plan depth-first.
func (p *Plan) Walk(fn func(*Step)) {
	for _, s := range p.Steps {
		s.Walk(fn)
	}
}

// LeafCount returns the number of leaf task steps in the plan. It is
// the denominator of the request's progress ratio.
func (p *Plan) LeafCount() int {
	n := 0
	p.Walk(func(s *Step) {
		if s.Kind == StepTask {
			n++
		}
	})
	return n
}

// FindStep returns the step with the given id, or nil.
func (p *Plan) FindStep(id string) *Step {
	var found *Step
	p.Walk(func(s *Step) {
		if s.ID == id {
			found = s
		}
	})
	return found
}

// FirstLeaf returns the first leaf task step in declaration order.
func (p *Plan) FirstLeaf() *Step {
	var first *Step
	p.Walk(func(s *Step) {
		if first == nil && s.Kind == StepTask {
			first = s
		}
	})
	return first
}

// Validate checks the plan structure before execution starts: malformed
// plans are rejected fail-fast, never mid-run. Returns a PlanningError
// describing the first problem found.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return &PlanningError{Detail: "plan has no steps"}
	}
	ids := make(map[string]bool)
	var verr error
	p.Walk(func(s *Step) {
		if verr != nil {
			return
		}
		if s.ID == "" {
			verr = &PlanningError{Detail: fmt.Sprintf("step %q has no id", s.Name)}
			return
		}
		if ids[s.ID] {
			verr = &PlanningError{Detail: fmt.Sprintf("duplicate step id %q", s.ID)}
			return
		}
		ids[s.ID] = true

		switch s.Kind {
		case StepTask:
			if !KnownCapability(s.Capability) {
				verr = &PlanningError{Detail: fmt.Sprintf("step %q has unknown capability %q", s.ID, s.Capability)}
			} else if len(s.Children) > 0 {
				verr = &PlanningError{Detail: fmt.Sprintf("task step %q must not have children", s.ID)}
			}
		case StepSequential, StepParallel:
			if len(s.Children) == 0 {
				verr = &PlanningError{Detail: fmt.Sprintf("%s group %q has no children", s.Kind, s.ID)}
			}
		case StepLoop:
			switch {
			case len(s.Children) == 0:
				verr = &PlanningError{Detail: fmt.Sprintf("loop group %q has no body", s.ID)}
			case s.Loop == nil:
				verr = &PlanningError{Detail: fmt.Sprintf("loop group %q has no loop spec", s.ID)}
			case s.Loop.MaxIterations <= 0:
				verr = &PlanningError{Detail: fmt.Sprintf("loop group %q must have a positive iteration bound", s.ID)}
			case s.Loop.Until == nil:
				verr = &PlanningError{Detail: fmt.Sprintf("loop group %q must have a termination predicate", s.ID)}
			}
		default:
			verr = &PlanningError{Detail: fmt.Sprintf("step %q has unknown kind %q", s.ID, s.Kind)}
		}
	})
	if verr != nil {
		return verr
	}

	// Dependencies must reference steps that exist in the plan.
	p.Walk(func(s *Step) {
		if verr != nil {
			return
		}
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				verr = &PlanningError{Detail: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep)}
			}
		}
	})
	return verr
}

// AcceptanceRule is one requirement the aggregated result must satisfy.
type AcceptanceRule struct {
	StepID   string `json:"step_id"`
	Field    string `json:"field"`
	MinItems int    `json:"min_items,omitempty"`
}

// AcceptanceSchema is the contract the tester agent validates the
// aggregated result against before a request may complete.
type AcceptanceSchema struct {
	Rules []AcceptanceRule `json:"rules"`
}
