package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/application/engine"
	"github.com/errandlabs/errand/internal/application/tester"
	"github.com/errandlabs/errand/internal/application/workers"
	"github.com/errandlabs/errand/internal/domain"
	eventmem "github.com/errandlabs/errand/pkg/adapters/events/memory"
	"github.com/errandlabs/errand/pkg/adapters/metrics/noop"
	storemem "github.com/errandlabs/errand/pkg/adapters/storage/memory"
)

type fakeWorker struct {
	mu      sync.Mutex
	calls   map[string]int
	execute func(task domain.Task, call int) (*domain.TaskResult, error)
}

func (w *fakeWorker) Capability() domain.Capability { return domain.CapabilityGeneral }

func (w *fakeWorker) Execute(ctx context.Context, task domain.Task) (*domain.TaskResult, error) {
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
	return &domain.TaskResult{Data: map[string]any{"step": task.StepID}, TokensUsed: 10}, nil
}

func (w *fakeWorker) callCount(stepID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[stepID]
}

type fixedPlanner struct {
	plan func() *domain.Plan
	err  error
}

func (p *fixedPlanner) Plan(ctx context.Context, req *domain.Request) (*domain.Plan, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.plan(), nil
}

func singleTaskPlan() *domain.Plan {
	return &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
		{ID: "answer", Name: "answer", Kind: domain.StepTask, Capability: domain.CapabilityGeneral},
	}}
}

type testRig struct {
	coord  *Coordinator
	store  *storemem.Store
	worker *fakeWorker
}

func newRig(t *testing.T, planner Planner, revisionBudget int) *testRig {
	t.Helper()
	store := storemem.New()
	bus := eventmem.New()
	metrics := noop.NewCollector()
	logger := zap.NewNop()

	worker := &fakeWorker{}
	pool := workers.NewPool(8, metrics, logger, time.Minute)
	pool.Register(worker)

	eng := engine.New(pool, store, bus, metrics, logger, time.Second)
	coord := New(planner, eng, tester.New(logger), store, bus, metrics, logger,
		5*time.Second, revisionBudget)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		coord.Shutdown(shutdownCtx)
	})
	return &testRig{coord: coord, store: store, worker: worker}
}

func (r *testRig) awaitTerminal(t *testing.T, requestID string) *domain.Request {
	t.Helper()
	var got *domain.Request
	require.Eventually(t, func() bool {
		stored, err := r.store.GetRequest(context.Background(), requestID)
		if err != nil {
			return false
		}
		got = stored
		return stored.Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestSubmitRejectsEmptyQuery(t *testing.T) {
	r := newRig(t, &fixedPlanner{plan: singleTaskPlan}, 0)

	_, err := r.coord.Submit(context.Background(), SubmitInput{Query: "   "})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "query", vErr.Field)
}

func TestSubmitCompletesRequest(t *testing.T) {
	r := newRig(t, &fixedPlanner{plan: singleTaskPlan}, 0)
	ctx := context.Background()

	req, err := r.coord.Submit(ctx, SubmitInput{Query: "tell me a story", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)

	final := r.awaitTerminal(t, req.ID)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.InDelta(t, 1.0, final.Progress, 0.001)
	assert.Contains(t, final.Result, "answer")
	assert.Nil(t, final.Error)

	// One conversation with the question and the response.
	conv, err := r.store.GetConversationBySession(ctx, req.SessionID)
	require.NoError(t, err)
	msgs, err := r.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageUserQuestion, msgs[0].Type)
	assert.Equal(t, domain.MessageAgentResponse, msgs[1].Type)
	assert.Equal(t, true, msgs[1].Metadata["success"])

	analytics, err := r.store.GetAnalytics(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, analytics.MessageCount)
	assert.InDelta(t, 1.0, analytics.SuccessRate, 0.001)
}

func TestConversationTitleTruncatesOnRuneBoundary(t *testing.T) {
	r := newRig(t, &fixedPlanner{plan: singleTaskPlan}, 0)
	ctx := context.Background()

	query := strings.Repeat("ü", 120)
	req, err := r.coord.Submit(ctx, SubmitInput{Query: query})
	require.NoError(t, err)

	conv, err := r.store.GetConversation(ctx, req.ConversationID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(conv.Title))
	assert.Equal(t, 80, utf8.RuneCountInString(conv.Title))
	assert.Equal(t, strings.Repeat("ü", 80), conv.Title)
}

func TestSubmitReusesSessionConversation(t *testing.T) {
	r := newRig(t, &fixedPlanner{plan: singleTaskPlan}, 0)
	ctx := context.Background()

	first, err := r.coord.Submit(ctx, SubmitInput{Query: "first question", SessionID: "sess-1"})
	require.NoError(t, err)
	r.awaitTerminal(t, first.ID)

	second, err := r.coord.Submit(ctx, SubmitInput{Query: "second question", SessionID: "sess-1"})
	require.NoError(t, err)
	r.awaitTerminal(t, second.ID)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	msgs, err := r.store.ListMessages(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestConcurrentSubmitsAreIsolated(t *testing.T) {
	r := newRig(t, &fixedPlanner{plan: singleTaskPlan}, 0)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		req, err := r.coord.Submit(ctx, SubmitInput{Query: fmt.Sprintf("question %d", i)})
		require.NoError(t, err)
		ids[i] = req.ID
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		require.False(t, seen[id], "duplicate request id")
		seen[id] = true
		final := r.awaitTerminal(t, id)
		assert.Equal(t, domain.StatusCompleted, final.Status)
	}
}

func TestPlannerFailureFailsRequest(t *testing.T) {
	r := newRig(t, &fixedPlanner{err: &domain.PlanningError{Detail: "cannot decompose"}}, 0)

	req, err := r.coord.Submit(context.Background(), SubmitInput{Query: "impossible"})
	require.NoError(t, err)

	final := r.awaitTerminal(t, req.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.CodePlanning, final.Error.Code)
}

func TestStepFailureFailsRequestWithDetail(t *testing.T) {
	r := newRig(t, &fixedPlanner{plan: singleTaskPlan}, 0)
	r.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		return nil, &domain.TaskError{Reason: domain.ReasonLLMFailure, Message: "model down"}
	}

	req, err := r.coord.Submit(context.Background(), SubmitInput{Query: "tell me a story"})
	require.NoError(t, err)

	final := r.awaitTerminal(t, req.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.CodeTask, final.Error.Code)

	// The failure is also recorded on the conversation.
	msgs, err := r.store.ListMessages(context.Background(), final.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, false, msgs[1].Metadata["success"])
}

func TestCancelStopsProcessing(t *testing.T) {
	blocker := make(chan struct{})
	r := newRig(t, &fixedPlanner{plan: func() *domain.Plan {
		return &domain.Plan{ID: "plan-1", Steps: []*domain.Step{
			{ID: "root", Kind: domain.StepSequential, Children: []*domain.Step{
				{ID: "slow", Name: "slow", Kind: domain.StepTask, Capability: domain.CapabilityGeneral},
				{ID: "after", Name: "after", Kind: domain.StepTask, Capability: domain.CapabilityGeneral},
			}},
		}}
	}}, 0)
	r.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		if task.StepID == "slow" {
			<-blocker
		}
		return &domain.TaskResult{Data: map[string]any{}}, nil
	}
	defer close(blocker)

	req, err := r.coord.Submit(context.Background(), SubmitInput{Query: "slow request"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := r.store.GetRequest(context.Background(), req.ID)
		return err == nil && stored.Status == domain.StatusProcessing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.coord.Cancel(context.Background(), req.ID))

	final := r.awaitTerminal(t, req.ID)
	assert.Equal(t, domain.StatusCancelled, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.CodeCancelled, final.Error.Code)

	// Cancellation of a terminal request is rejected.
	err = r.coord.Cancel(context.Background(), req.ID)
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)

	// The follow-up step never ran and the terminal state sticks.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.worker.callCount("after"))
	stored, err := r.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
}

func acceptancePlan() *domain.Plan {
	return &domain.Plan{
		ID: "plan-1",
		Steps: []*domain.Step{
			{ID: "search", Name: "search", Kind: domain.StepTask, Capability: domain.CapabilityGeneral},
		},
		Acceptance: &domain.AcceptanceSchema{Rules: []domain.AcceptanceRule{
			{StepID: "search", Field: "products", MinItems: 1},
		}},
	}
}

func TestTesterRejectionTriggersRevision(t *testing.T) {
	r := newRig(t, &fixedPlanner{plan: acceptancePlan}, 2)
	r.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		if call == 1 {
			return &domain.TaskResult{Data: map[string]any{"products": []any{}}}, nil
		}
		return &domain.TaskResult{Data: map[string]any{"products": []any{map[string]any{"name": "runner"}}}}, nil
	}

	req, err := r.coord.Submit(context.Background(), SubmitInput{Query: "find shoes"})
	require.NoError(t, err)

	final := r.awaitTerminal(t, req.ID)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 2, r.worker.callCount("search"))
}

func TestTesterRejectionExhaustsBudget(t *testing.T) {
	r := newRig(t, &fixedPlanner{plan: acceptancePlan}, 1)
	r.worker.execute = func(task domain.Task, call int) (*domain.TaskResult, error) {
		return &domain.TaskResult{Data: map[string]any{"products": []any{}}}, nil
	}

	req, err := r.coord.Submit(context.Background(), SubmitInput{Query: "find shoes"})
	require.NoError(t, err)

	final := r.awaitTerminal(t, req.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.CodeRejected, final.Error.Code)
	// Initial run plus one revision.
	assert.Equal(t, 2, r.worker.callCount("search"))
}
