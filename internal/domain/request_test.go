package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCancelled},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusCancelled},
		{StatusCompleted, StatusCompleted},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	denied := [][2]Status{
		{StatusCompleted, StatusProcessing},
		{StatusFailed, StatusCompleted},
		{StatusCancelled, StatusProcessing},
		{StatusProcessing, StatusPending},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}

func TestRequestCloneIsIndependent(t *testing.T) {
	req := &Request{
		ID:      "req-1",
		Context: map[string]any{"budget": 100},
		Result:  map[string]any{"answer": "yes"},
		Error:   &ErrorDetail{Code: CodeTask, Message: "x"},
	}

	clone := req.Clone()
	clone.Context["budget"] = 0
	clone.Result["answer"] = "no"
	clone.Error.Message = "changed"

	assert.Equal(t, 100, req.Context["budget"])
	assert.Equal(t, "yes", req.Result["answer"])
	assert.Equal(t, "x", req.Error.Message)
}

func TestErrorDetailFor(t *testing.T) {
	cases := map[string]struct {
		err  error
		code string
	}{
		"validation":    {&ValidationError{Field: "query", Detail: "empty"}, CodeValidation},
		"planning":      {&PlanningError{Detail: "bad"}, CodePlanning},
		"aggregation":   {&AggregationError{Failures: []StepFailure{{StepID: "a"}}}, CodeAggregation},
		"timeout":       {&TimeoutError{Scope: "step", Limit: time.Second}, CodeTimeout},
		"task":          {&TaskError{Reason: ReasonLLMFailure, Message: "down"}, CodeTask},
		"step timeout":  {&TaskError{Reason: ReasonStepTimeout, Message: "slow"}, CodeTimeout},
		"loop bound":    {&TaskError{Reason: ReasonLoopExceeded, Message: "spin"}, CodeLoopExhausted},
		"storage":       {&StorageError{Op: "update", Err: context.DeadlineExceeded}, CodeStorage},
		"cancellation":  {context.Canceled, CodeCancelled},
		"ctx deadline":  {context.DeadlineExceeded, CodeTimeout},
	}
	for name, tc := range cases {
		detail := ErrorDetailFor(tc.err)
		assert.Equal(t, tc.code, detail.Code, name)
		assert.NotEmpty(t, detail.Message, name)
	}
}

func TestComputeAnalytics(t *testing.T) {
	msgs := []*Message{
		{Type: MessageUserQuestion, TokensUsed: 0},
		{Type: MessageAgentResponse, TokensUsed: 40, ExecutionTime: 2.0},
		{Type: MessageUserQuestion},
		{Type: MessageAgentResponse, TokensUsed: 60, ExecutionTime: 4.0,
			Metadata: map[string]any{"success": false}},
	}

	a := ComputeAnalytics("conv-1", msgs)
	assert.Equal(t, 4, a.MessageCount)
	assert.Equal(t, 100, a.TotalTokens)
	assert.InDelta(t, 3.0, a.AvgResponseTime, 0.001)
	assert.InDelta(t, 0.5, a.SuccessRate, 0.001)
}

func TestComputeAnalyticsEmptyConversation(t *testing.T) {
	a := ComputeAnalytics("conv-1", nil)
	assert.Zero(t, a.MessageCount)
	assert.InDelta(t, 1.0, a.SuccessRate, 0.001)
	assert.Zero(t, a.AvgResponseTime)
}
