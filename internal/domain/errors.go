package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by the store when an entity does not exist.
var ErrNotFound = errors.New("not found")

// Stable error codes surfaced to callers.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodePlanning      = "PLANNING_ERROR"
	CodeTask          = "TASK_ERROR"
	CodeTimeout       = "TIMEOUT"
	CodeAggregation   = "AGGREGATION_ERROR"
	CodeStorage       = "STORAGE_ERROR"
	CodeCancelled     = "CANCELLED"
	CodeRejected      = "VALIDATION_REJECTED"
	CodeLoopExhausted = "LOOP_BOUND_EXCEEDED"
)

// ValidationError rejects a request before any execution begins.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Detail)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Detail)
}

// PlanningError indicates that decomposition of a query into a plan failed,
// or that a constructed plan is malformed.
type PlanningError struct {
	Detail string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning failed: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("planning failed: %s", e.Detail)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// TaskError is a single step failure carrying a stable reason code.
type TaskError struct {
	Reason  string
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task failed (%s): %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("task failed (%s): %s", e.Reason, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Task failure reason codes.
const (
	ReasonNoWorker     = "no_worker"
	ReasonLLMFailure   = "llm_failure"
	ReasonBadParams    = "bad_parameters"
	ReasonStepTimeout  = "step_timeout"
	ReasonLoopExceeded = "max_iterations_exceeded"
)

// TimeoutError marks a step or request deadline being exceeded.
type TimeoutError struct {
	Scope string // "step" or "request"
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s deadline exceeded after %s", e.Scope, e.Limit)
}

// StepFailure identifies one failed member of a parallel group.
type StepFailure struct {
	StepID  string `json:"step_id"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// AggregationError collects every member failure of a parallel group.
type AggregationError struct {
	Failures []StepFailure
}

func (e *AggregationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s (%s): %s", f.StepID, f.Reason, f.Message)
	}
	return fmt.Sprintf("parallel group failed: %s", strings.Join(parts, "; "))
}

// StorageError reports a persistence failure. Conflict indicates an
// optimistic versioning collision that the caller should retry with a
// fresh read.
type StorageError struct {
	Op       string
	Conflict bool
	Err      error
}

func (e *StorageError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("storage conflict on %s", e.Op)
	}
	return fmt.Sprintf("storage failure on %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a retryable optimistic-versioning conflict.
func IsConflict(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Conflict
}

// StreamError is a non-fatal delivery failure to a progress subscriber.
// It never fails a request; the affected subscriber is dropped.
type StreamError struct {
	SubscriberID string
	Detail       string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream delivery failed for subscriber %s: %s", e.SubscriberID, e.Detail)
}

// ErrorDetailFor maps an execution error to the stable code+message pair
// recorded on a request's terminal state. Internal diagnostics are kept
// out of the user-visible message.
func ErrorDetailFor(err error) *ErrorDetail {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &ErrorDetail{Code: CodeValidation, Message: ve.Error()}
	}
	var pe *PlanningError
	if errors.As(err, &pe) {
		return &ErrorDetail{Code: CodePlanning, Message: pe.Error()}
	}
	var ae *AggregationError
	if errors.As(err, &ae) {
		return &ErrorDetail{Code: CodeAggregation, Message: ae.Error()}
	}
	var toe *TimeoutError
	if errors.As(err, &toe) {
		return &ErrorDetail{Code: CodeTimeout, Message: toe.Error()}
	}
	var te *TaskError
	if errors.As(err, &te) {
		switch te.Reason {
		case ReasonLoopExceeded:
			return &ErrorDetail{Code: CodeLoopExhausted, Message: te.Error()}
		case ReasonStepTimeout:
			return &ErrorDetail{Code: CodeTimeout, Message: te.Error()}
		}
		return &ErrorDetail{Code: CodeTask, Message: te.Error()}
	}
	var se *StorageError
	if errors.As(err, &se) {
		return &ErrorDetail{Code: CodeStorage, Message: "persistence failure, request aborted"}
	}
	if errors.Is(err, context.Canceled) {
		return &ErrorDetail{Code: CodeCancelled, Message: "request cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ErrorDetail{Code: CodeTimeout, Message: "request deadline exceeded"}
	}
	return &ErrorDetail{Code: CodeTask, Message: err.Error()}
}
