package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/application/workers"
	"github.com/errandlabs/errand/internal/domain"
	eventmem "github.com/errandlabs/errand/pkg/adapters/events/memory"
	"github.com/errandlabs/errand/pkg/adapters/metrics/noop"
	storemem "github.com/errandlabs/errand/pkg/adapters/storage/memory"
)

type scriptedWorker struct {
	capability domain.Capability

	mu      sync.Mutex
	calls   map[string]int
	execute func(task domain.Task, call int) (*domain.TaskResult, error)
}

func (w *scriptedWorker) Capability() domain.Capability { return w.capability }

func (w *scriptedWorker) Execute(ctx context.Context, task domain.Task) (*domain.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.calls == nil {
		w.calls = make(map[string]int)
	}
	w.calls[task.StepID]++
	call := w.calls[task.StepID]
	w.mu.Unlock()
	if w.execute != nil {
		return w.execute(task, call)
	}
	return &domain.TaskResult{Data: map[string]any{"step": task.StepID}}, nil
}

func (w *scriptedWorker) callCount(stepID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[stepID]
}

type fixture struct {
	engine *Engine
	store  *storemem.Store
	worker *scriptedWorker
	req    *domain.Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storemem.New()
	worker := &scriptedWorker{capability: domain.CapabilityGeneral}
	pool := workers.NewPool(4, noop.NewCollector(), zap.NewNop(), time.Minute)
	pool.Register(worker)

	eng := New(pool, store, eventmem.New(), noop.NewCollector(), zap.NewNop(), time.Second)

	now := time.Now().UTC()
	req := &domain.Request{
		ID:        "req-1",
		Query:     "find running shoes",
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx := context.Background()
	require.NoError(t, store.CreateRequest(ctx, req))
	req.Status = domain.StatusProcessing
	require.NoError(t, store.UpdateRequest(ctx, req))

	return &fixture{engine: eng, store: store, worker: worker, req: req}
}

func task(id string) *domain.Step {
	return &domain.Step{ID: id, Name: id, Kind: domain.StepTask, Capability: domain.CapabilityGeneral}
}

func (f *fixture) storedProgress(t *testing.T) float64 {
	t.Helper()
	stored, err := f.store.GetRequest(context.Background(), f.req.ID)
	require.NoError(t, err)
	return stored.Progress
}

func TestExecuteSequentialSuccess(t *testing.T) {
	f := newFixture(t)
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
		{ID: "root", Kind: domain.StepSequential, Children: []*domain.Step{
			task("a"), task("b"), task("c"),
		}},
	}}

	result, err := f.engine.Execute(context.Background(), f.req, plan)
	require.NoError(t, err)
	assert.Len(t, result.Output, 3)
	assert.Equal(t, map[string]any{"step": "a"}, result.Output["a"])
	assert.InDelta(t, 1.0, f.storedProgress(t), 0.001)
}

func TestExecuteSequentialAbortsOnFailure(t *testing.T) {
	f := newFixture(t)
	f.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		if task.StepID == "b" {
			return nil, &domain.TaskError{Reason: domain.ReasonBadParams, Message: "bad input"}
		}
		return &domain.TaskResult{Data: map[string]any{"step": task.StepID}}, nil
	}
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
		{ID: "root", Kind: domain.StepSequential, Children: []*domain.Step{
			task("a"), task("b"), task("c"),
		}},
	}}

	result, err := f.engine.Execute(context.Background(), f.req, plan)
	var taskErr *domain.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, domain.ReasonBadParams, taskErr.Reason)

	// The failing step aborts the sequence; c never runs.
	assert.Equal(t, 0, f.worker.callCount("c"))
	assert.Contains(t, result.Output, "a")
	assert.NotContains(t, result.Output, "b")
	// Two of three leaves reached a terminal state.
	assert.InDelta(t, 2.0/3.0, f.storedProgress(t), 0.001)
}

func TestExecuteBestEffortContinues(t *testing.T) {
	f := newFixture(t)
	f.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		if task.StepID == "b" {
			return nil, &domain.TaskError{Reason: domain.ReasonBadParams, Message: "bad input"}
		}
		return &domain.TaskResult{Data: map[string]any{"step": task.StepID}}, nil
	}
	optional := task("b")
	optional.BestEffort = true
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
		{ID: "root", Kind: domain.StepSequential, Children: []*domain.Step{
			task("a"), optional, task("c"),
		}},
	}}

	result, err := f.engine.Execute(context.Background(), f.req, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, f.worker.callCount("c"))
	assert.NotContains(t, result.Output, "b")
	assert.InDelta(t, 1.0, f.storedProgress(t), 0.001)
}

func TestExecuteParallelAggregatesFailures(t *testing.T) {
	f := newFixture(t)
	f.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		switch task.StepID {
		case "b":
			return nil, &domain.TaskError{Reason: domain.ReasonLLMFailure, Message: "model down"}
		case "c":
			return nil, &domain.TaskError{Reason: domain.ReasonBadParams, Message: "bad input"}
		}
		return &domain.TaskResult{Data: map[string]any{"step": task.StepID}}, nil
	}
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
		{ID: "root", Kind: domain.StepParallel, Children: []*domain.Step{
			task("a"), task("b"), task("c"),
		}},
	}}

	result, err := f.engine.Execute(context.Background(), f.req, plan)
	var aggErr *domain.AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Len(t, aggErr.Failures, 2)

	// Successful sibling output is retained alongside the failure report.
	assert.Contains(t, result.Output, "a")
	assert.InDelta(t, 1.0, f.storedProgress(t), 0.001)
}

func TestExecuteParallelBestEffortFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	f.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		if task.StepID == "b" {
			return nil, &domain.TaskError{Reason: domain.ReasonBadParams, Message: "bad input"}
		}
		return &domain.TaskResult{Data: map[string]any{"step": task.StepID}}, nil
	}
	optional := task("b")
	optional.BestEffort = true
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
		{ID: "root", Kind: domain.StepParallel, Children: []*domain.Step{
			task("a"), optional,
		}},
	}}

	_, err := f.engine.Execute(context.Background(), f.req, plan)
	require.NoError(t, err)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		if call < 3 {
			return nil, &domain.TaskError{Reason: domain.ReasonLLMFailure, Message: "flaky"}
		}
		return &domain.TaskResult{Data: map[string]any{"step": task.StepID}}, nil
	}
	flaky := task("a")
	flaky.Retry = domain.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{flaky}}

	result, err := f.engine.Execute(context.Background(), f.req, plan)
	require.NoError(t, err)
	assert.Equal(t, 3, f.worker.callCount("a"))
	assert.Contains(t, result.Output, "a")
}

func TestExecuteDoesNotRetryStructuralFailures(t *testing.T) {
	f := newFixture(t)
	f.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		return nil, &domain.TaskError{Reason: domain.ReasonBadParams, Message: "bad input"}
	}
	step := task("a")
	step.Retry = domain.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{step}}

	_, err := f.engine.Execute(context.Background(), f.req, plan)
	require.Error(t, err)
	assert.Equal(t, 1, f.worker.callCount("a"))
}

func TestExecuteLoopConverges(t *testing.T) {
	f := newFixture(t)
	f.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		return &domain.TaskResult{Data: map[string]any{"iteration": call}}, nil
	}
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
		{ID: "refine", Kind: domain.StepLoop, Children: []*domain.Step{task("a")},
			Loop: &domain.LoopSpec{
				MaxIterations: 5,
				Until: func(outputs map[string]any) bool {
					data, _ := outputs["a"].(map[string]any)
					n, _ := data["iteration"].(int)
					return n >= 3
				},
			}},
	}}

	result, err := f.engine.Execute(context.Background(), f.req, plan)
	require.NoError(t, err)
	assert.Equal(t, 3, f.worker.callCount("a"))
	data, _ := result.Output["a"].(map[string]any)
	assert.Equal(t, 3, data["iteration"])
	assert.InDelta(t, 1.0, f.storedProgress(t), 0.001)
}

func TestExecuteLoopBoundExceeded(t *testing.T) {
	f := newFixture(t)
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
		{ID: "refine", Kind: domain.StepLoop, Children: []*domain.Step{task("a")},
			Loop: &domain.LoopSpec{
				MaxIterations: 2,
				Until:         func(outputs map[string]any) bool { return false },
			}},
	}}

	_, err := f.engine.Execute(context.Background(), f.req, plan)
	var taskErr *domain.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, domain.ReasonLoopExceeded, taskErr.Reason)
	assert.Equal(t, 2, f.worker.callCount("a"))

	detail := domain.ErrorDetailFor(err)
	assert.Equal(t, domain.CodeLoopExhausted, detail.Code)
}

func TestExecuteCancellation(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return &domain.TaskResult{Data: map[string]any{}}, nil
	}
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
		{ID: "root", Kind: domain.StepSequential, Children: []*domain.Step{task("a"), task("b")}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := f.engine.Execute(ctx, f.req, plan)
	require.Error(t, err)
	assert.Equal(t, 0, f.worker.callCount("b"))
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	f := newFixture(t)
	plan := &domain.Plan{ID: "plan-1"}

	_, err := f.engine.Execute(context.Background(), f.req, plan)
	var planErr *domain.PlanningError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, 0, f.worker.callCount("a"))
}

func TestRerunMergesFreshOutputs(t *testing.T) {
	f := newFixture(t)
	plan := &domain.Plan{ID: "plan-1", Steps: []*domain.Step{task("a"), task("b")}}

	result, err := f.engine.Execute(context.Background(), f.req, plan)
	require.NoError(t, err)

	f.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		return &domain.TaskResult{Data: map[string]any{"revised": true}}, nil
	}
	revised, err := f.engine.Rerun(context.Background(), f.req, plan, result, []string{"a"})
	require.NoError(t, err)

	data, _ := revised.Output["a"].(map[string]any)
	assert.Equal(t, true, data["revised"])
	// Untouched leaf keeps its original output.
	assert.Equal(t, map[string]any{"step": "b"}, revised.Output["b"])
	// The canonical tree is untouched by reruns.
	assert.Equal(t, domain.StepSucceeded, plan.FindStep("a").Status)
}
