package domain

import "time"

// Task is one unit of work dispatched to a worker. Workers are stateless
// across calls: everything a task needs travels in the task itself.
type Task struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"request_id"`
	StepID     string         `json:"step_id"`
	Capability Capability     `json:"capability"`
	Query      string         `json:"query"`
	Params     map[string]any `json:"params,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// TaskResult is the outcome of a fully successful task. Tasks never
// return partial results: a task either fully succeeds or fails with a
// TaskError.
type TaskResult struct {
	Data          map[string]any `json:"data"`
	TokensUsed    int            `json:"tokens_used,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
}
