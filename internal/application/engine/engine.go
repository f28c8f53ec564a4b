package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/application/workers"
	"github.com/errandlabs/errand/internal/domain"
	"github.com/errandlabs/errand/internal/ports"
)

const progressWriteAttempts = 3

// Engine executes composed plans. Groups run leaf steps as blocking
// worker calls, one goroutine per in-flight leaf; parallel groups join
// with a WaitGroup. Progress is the ratio of terminal leaf steps to
// total leaf steps, persisted on every leaf completion.
type Engine struct {
	pool        *workers.Pool
	store       ports.RequestStore
	bus         ports.EventBus
	metrics     ports.MetricsCollector
	logger      *zap.Logger
	stepTimeout time.Duration
}

// Result is the aggregated outcome of a plan execution: one output
// entry per leaf step, keyed by step id.
type Result struct {
	Output map[string]any
	Tokens int
}

// New creates an engine. stepTimeout bounds leaf attempts that carry
// no explicit timeout of their own.
func New(pool *workers.Pool, store ports.RequestStore, bus ports.EventBus,
	metrics ports.MetricsCollector, logger *zap.Logger, stepTimeout time.Duration) *Engine {
	if stepTimeout <= 0 {
		stepTimeout = 60 * time.Second
	}
	return &Engine{
		pool:        pool,
		store:       store,
		bus:         bus,
		metrics:     metrics,
		logger:      logger,
		stepTimeout: stepTimeout,
	}
}

// run carries the mutable state of one plan execution.
type run struct {
	e    *Engine
	req  *domain.Request
	plan *domain.Plan

	mu      sync.Mutex
	outputs map[string]any
	tokens  int
}

// Execute validates the plan and runs its root steps in order. The
// returned Result holds every successful leaf output even when the
// plan ultimately fails.
func (e *Engine) Execute(ctx context.Context, req *domain.Request, plan *domain.Plan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	r := &run{e: e, req: req, plan: plan, outputs: make(map[string]any)}

	e.logger.Info("plan execution started",
		zap.String("request_id", req.ID),
		zap.String("plan_id", plan.ID),
		zap.Int("leaves", plan.LeafCount()))

	var execErr error
	for _, step := range plan.Steps {
		if err := r.runStep(ctx, step); err != nil {
			if !step.BestEffort {
				execErr = err
				break
			}
			e.logger.Warn("best-effort step failed",
				zap.String("request_id", req.ID),
				zap.String("step_id", step.ID),
				zap.Error(err))
		}
	}

	result := r.result()
	if execErr != nil {
		return result, execErr
	}
	return result, nil
}

// Rerun re-executes the named leaf steps on clones and merges their
// fresh outputs into prev. The canonical tree is not touched, so
// recorded progress stays monotonic.
func (e *Engine) Rerun(ctx context.Context, req *domain.Request, plan *domain.Plan, prev *Result, stepIDs []string) (*Result, error) {
	r := &run{e: e, req: req, plan: plan, outputs: make(map[string]any)}
	for k, v := range prev.Output {
		r.outputs[k] = v
	}
	r.tokens = prev.Tokens

	for _, id := range stepIDs {
		step := plan.FindStep(id)
		if step == nil {
			return prev, &domain.PlanningError{Detail: fmt.Sprintf("cannot rerun unknown step %q", id)}
		}
		if step.Kind != domain.StepTask {
			return prev, &domain.PlanningError{Detail: fmt.Sprintf("cannot rerun non-task step %q", id)}
		}
		if err := r.runLeaf(ctx, step.Clone(), false); err != nil {
			return r.result(), err
		}
	}
	return r.result(), nil
}

func (r *run) result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	return &Result{Output: out, Tokens: r.tokens}
}

func (r *run) runStep(ctx context.Context, step *domain.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch step.Kind {
	case domain.StepTask:
		return r.runLeaf(ctx, step, true)
	case domain.StepSequential:
		return r.runSequential(ctx, step.Children)
	case domain.StepParallel:
		return r.runParallel(ctx, step)
	case domain.StepLoop:
		return r.runLoop(ctx, step)
	default:
		return &domain.PlanningError{Detail: fmt.Sprintf("step %q has unknown kind %q", step.ID, step.Kind)}
	}
}

// runSequential runs children in order and aborts on the first failure
// of a step that is not best-effort.
func (r *run) runSequential(ctx context.Context, steps []*domain.Step) error {
	for _, child := range steps {
		if err := r.runStep(ctx, child); err != nil {
			if child.BestEffort && ctx.Err() == nil {
				r.e.logger.Warn("best-effort step failed",
					zap.String("request_id", r.req.ID),
					zap.String("step_id", child.ID),
					zap.Error(err))
				continue
			}
			return err
		}
	}
	return nil
}

// runParallel starts every child on its own goroutine and joins them
// all before judging the group. Failures of non-best-effort children
// are collected into one AggregationError.
func (r *run) runParallel(ctx context.Context, group *domain.Step) error {
	var wg sync.WaitGroup
	errs := make([]error, len(group.Children))
	for i, child := range group.Children {
		wg.Add(1)
		go func(i int, child *domain.Step) {
			defer wg.Done()
			errs[i] = r.runStep(ctx, child)
		}(i, child)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	var failures []domain.StepFailure
	for i, err := range errs {
		if err == nil {
			continue
		}
		child := group.Children[i]
		if child.BestEffort {
			r.e.logger.Warn("best-effort step failed",
				zap.String("request_id", r.req.ID),
				zap.String("step_id", child.ID),
				zap.Error(err))
			continue
		}
		detail := domain.ErrorDetailFor(err)
		failures = append(failures, domain.StepFailure{
			StepID:  child.ID,
			Reason:  detail.Code,
			Message: detail.Message,
		})
	}
	if len(failures) > 0 {
		return &domain.AggregationError{Failures: failures}
	}
	return nil
}

// runLoop repeats the group body on clones until the termination
// predicate holds or the iteration bound is hit. The final iteration's
// step states are adopted into the canonical tree afterwards.
func (r *run) runLoop(ctx context.Context, group *domain.Step) error {
	var clones []*domain.Step
	var loopErr error
	done := false

	for i := 0; i < group.Loop.MaxIterations && !done; i++ {
		clones = make([]*domain.Step, len(group.Children))
		for j, child := range group.Children {
			clones[j] = child.Clone()
		}

		if err := r.iterate(ctx, clones); err != nil {
			loopErr = err
			break
		}

		r.mu.Lock()
		done = group.Loop.Until(r.outputs)
		r.mu.Unlock()
	}

	for i, clone := range clones {
		adopt(group.Children[i], clone)
	}
	r.advanceProgress(ctx)

	if loopErr != nil {
		return loopErr
	}
	if !done {
		return &domain.TaskError{
			Reason:  domain.ReasonLoopExceeded,
			Message: fmt.Sprintf("loop %q did not converge within %d iterations", group.ID, group.Loop.MaxIterations),
		}
	}
	return nil
}

// iterate runs one loop body sequentially on cloned steps. Clone
// leaves skip canonical bookkeeping; their state is adopted in bulk
// when the loop finishes.
func (r *run) iterate(ctx context.Context, clones []*domain.Step) error {
	for _, clone := range clones {
		var err error
		if clone.Kind == domain.StepTask {
			err = r.runLeaf(ctx, clone, false)
		} else {
			err = r.runStep(ctx, clone)
		}
		if err != nil {
			if clone.BestEffort && ctx.Err() == nil {
				continue
			}
			return err
		}
	}
	return nil
}

// adopt copies terminal execution state from a clone subtree onto the
// canonical subtree. Canonical statuses only ever move forward.
func adopt(canonical, clone *domain.Step) {
	if clone.Status.Terminal() && !canonical.Status.Terminal() {
		canonical.Status = clone.Status
		canonical.Output = clone.Output
		canonical.Err = clone.Err
		canonical.Attempts = clone.Attempts
	}
	for i := range canonical.Children {
		if i < len(clone.Children) {
			adopt(canonical.Children[i], clone.Children[i])
		}
	}
}

// runLeaf executes one task step with per-attempt timeouts and retry
// backoff. canonical leaves update persisted progress on completion.
func (r *run) runLeaf(ctx context.Context, step *domain.Step, canonical bool) error {
	step.Status = domain.StepRunning
	r.publish(ctx, domain.EventStepStarted, step, nil)
	if canonical {
		r.updateCurrentStep(ctx, step)
	}

	attempts := step.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		step.Attempts = attempt
		result, err := r.attempt(ctx, step)
		if err == nil {
			step.Status = domain.StepSucceeded
			step.Output = result.Data
			r.record(step.ID, result)
			r.e.metrics.RecordStepExecuted(string(step.Capability), string(domain.StepSucceeded), time.Since(start))
			r.publish(ctx, domain.EventStepSucceeded, step, nil)
			if canonical {
				r.advanceProgress(ctx)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if !retryable(err) {
			break
		}
		if attempt < attempts {
			r.e.logger.Debug("retrying step",
				zap.String("request_id", r.req.ID),
				zap.String("step_id", step.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if err := sleepCtx(ctx, step.Retry.DelayFor(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	step.Status = domain.StepFailed
	step.Err = domain.ErrorDetailFor(lastErr)
	r.e.metrics.RecordStepExecuted(string(step.Capability), string(domain.StepFailed), time.Since(start))
	r.publish(ctx, domain.EventStepFailed, step, map[string]any{
		"error": step.Err.Message,
	})
	if canonical {
		r.advanceProgress(ctx)
	}
	return lastErr
}

// attempt makes a single bounded worker call for a leaf step.
func (r *run) attempt(ctx context.Context, step *domain.Step) (*domain.TaskResult, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.e.stepTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task := domain.Task{
		ID:         uuid.New().String(),
		RequestID:  r.req.ID,
		StepID:     step.ID,
		Capability: step.Capability,
		Query:      r.taskQuery(step),
		Params:     step.Params,
		Context:    r.req.Context,
	}

	result, err := r.e.pool.Execute(attemptCtx, task)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &domain.TaskError{
				Reason:  domain.ReasonStepTimeout,
				Message: fmt.Sprintf("step %q timed out after %s", step.ID, timeout),
				Err:     err,
			}
		}
		return nil, err
	}
	return result, nil
}

func (r *run) taskQuery(step *domain.Step) string {
	if step.Name != "" {
		return fmt.Sprintf("%s: %s", step.Name, r.req.Query)
	}
	return r.req.Query
}

func (r *run) record(stepID string, result *domain.TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[stepID] = result.Data
	r.tokens += result.TokensUsed
}

// advanceProgress persists the terminal-leaf ratio. The write is a
// read-modify-write under optimistic versioning with a bounded number
// of retries; a cancelled or terminal request is left alone.
func (r *run) advanceProgress(ctx context.Context) {
	terminal := 0
	r.plan.Walk(func(s *domain.Step) {
		if s.Kind == domain.StepTask && s.Status.Terminal() {
			terminal++
		}
	})
	total := r.plan.LeafCount()
	if total == 0 {
		return
	}
	progress := float64(terminal) / float64(total)

	for attempt := 0; attempt < progressWriteAttempts; attempt++ {
		stored, err := r.e.store.GetRequest(ctx, r.req.ID)
		if err != nil {
			r.e.logger.Warn("progress read failed",
				zap.String("request_id", r.req.ID), zap.Error(err))
			return
		}
		if stored.Status != domain.StatusProcessing || stored.Progress >= progress {
			return
		}
		stored.Progress = progress
		err = r.e.store.UpdateRequest(ctx, stored)
		if err == nil {
			r.publish(ctx, domain.EventProgress, nil, nil)
			return
		}
		if domain.IsConflict(err) {
			r.e.metrics.RecordStoreConflict()
			continue
		}
		r.e.logger.Warn("progress write failed",
			zap.String("request_id", r.req.ID), zap.Error(err))
		return
	}
}

// updateCurrentStep records which leaf is running for status queries.
func (r *run) updateCurrentStep(ctx context.Context, step *domain.Step) {
	for attempt := 0; attempt < progressWriteAttempts; attempt++ {
		stored, err := r.e.store.GetRequest(ctx, r.req.ID)
		if err != nil || stored.Status != domain.StatusProcessing {
			return
		}
		stored.CurrentStep = step.Name
		err = r.e.store.UpdateRequest(ctx, stored)
		if err == nil {
			return
		}
		if domain.IsConflict(err) {
			r.e.metrics.RecordStoreConflict()
			continue
		}
		return
	}
}

func (r *run) publish(ctx context.Context, eventType domain.EventType, step *domain.Step, data map[string]any) {
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RequestID: r.req.ID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if step != nil {
		event.StepID = step.ID
		event.CurrentStep = step.Name
	}
	if stored, err := r.e.store.GetRequest(ctx, r.req.ID); err == nil {
		event.Status = stored.Status
		event.Progress = stored.Progress
	}
	if err := r.e.bus.Publish(ctx, domain.TopicRequests, event); err != nil {
		r.e.logger.Warn("event publish failed",
			zap.String("request_id", r.req.ID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}

// retryable reports whether a leaf failure is worth another attempt.
// Structural failures like missing workers or bad parameters are not.
func retryable(err error) bool {
	var taskErr *domain.TaskError
	if errors.As(err, &taskErr) {
		switch taskErr.Reason {
		case domain.ReasonNoWorker, domain.ReasonBadParams, domain.ReasonLoopExceeded:
			return false
		}
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
