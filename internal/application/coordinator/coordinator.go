package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/application/engine"
	"github.com/errandlabs/errand/internal/application/tester"
	"github.com/errandlabs/errand/internal/domain"
	"github.com/errandlabs/errand/internal/ports"
)

const (
	maxQueryLength        = 8000
	maxTitleRunes         = 80
	terminalWriteAttempts = 5
)

// rejectionError marks a tester rejection that exhausted the revision
// budget. It is a distinct failure class from input validation.
type rejectionError struct{ reason string }

func (e *rejectionError) Error() string {
	return fmt.Sprintf("result rejected: %s", e.reason)
}

// Coordinator owns the request lifecycle: validation, planning,
// execution, result validation, and the terminal commit. One
// background goroutine drives each in-flight request under the global
// request timeout; concurrent requests never share mutable state.
type Coordinator struct {
	planner Planner
	engine  *engine.Engine
	tester  *tester.Agent
	store   ports.RequestStore
	bus     ports.EventBus
	metrics ports.MetricsCollector
	logger  *zap.Logger

	requestTimeout time.Duration
	revisionBudget int

	executions sync.Map // map[string]*execution
	wg         sync.WaitGroup
}

// execution tracks one in-flight request.
type execution struct {
	requestID string
	startedAt time.Time
	cancel    context.CancelFunc
}

// New creates a coordinator.
func New(planner Planner, eng *engine.Engine, tst *tester.Agent, store ports.RequestStore,
	bus ports.EventBus, metrics ports.MetricsCollector, logger *zap.Logger,
	requestTimeout time.Duration, revisionBudget int) *Coordinator {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}
	if revisionBudget < 0 {
		revisionBudget = 0
	}
	return &Coordinator{
		planner:        planner,
		engine:         eng,
		tester:         tst,
		store:          store,
		bus:            bus,
		metrics:        metrics,
		logger:         logger,
		requestTimeout: requestTimeout,
		revisionBudget: revisionBudget,
	}
}

// SubmitInput is one incoming natural-language request.
type SubmitInput struct {
	Query     string         `json:"query"`
	Context   map[string]any `json:"context,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
}

// Submit validates the input, persists the pending request, records
// the user message on its conversation, and starts processing in the
// background. It returns immediately with the queryable request.
func (c *Coordinator) Submit(ctx context.Context, input SubmitInput) (*domain.Request, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, &domain.ValidationError{Field: "query", Detail: "query must not be empty"}
	}
	if len(query) > maxQueryLength {
		return nil, &domain.ValidationError{Field: "query",
			Detail: fmt.Sprintf("query exceeds %d characters", maxQueryLength)}
	}

	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	conv, err := c.ensureConversation(ctx, sessionID, input.UserID, query)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := &domain.Request{
		ID:             uuid.New().String(),
		Query:          query,
		Context:        input.Context,
		Status:         domain.StatusPending,
		ConversationID: conv.ID,
		SessionID:      sessionID,
		UserID:         input.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	if err := c.store.AppendMessage(ctx, &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Type:           domain.MessageUserQuestion,
		Content:        query,
		Metadata:       map[string]any{"request_id": req.ID},
		CreatedAt:      now,
	}); err != nil {
		c.logger.Warn("failed to record user message",
			zap.String("request_id", req.ID), zap.Error(err))
	}

	c.metrics.RecordRequestSubmitted()
	c.publish(ctx, domain.Event{
		ID:        uuid.New().String(),
		Type:      domain.EventRequestSubmitted,
		RequestID: req.ID,
		Status:    domain.StatusPending,
		Timestamp: now,
	})

	execCtx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	c.executions.Store(req.ID, &execution{
		requestID: req.ID,
		startedAt: now,
		cancel:    cancel,
	})

	c.logger.Info("request submitted",
		zap.String("request_id", req.ID),
		zap.String("session_id", sessionID))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer c.executions.Delete(req.ID)
		c.process(execCtx, req.ID)
	}()

	return req.Clone(), nil
}

// GetStatus returns the stored request.
func (c *Coordinator) GetStatus(ctx context.Context, requestID string) (*domain.Request, error) {
	return c.store.GetRequest(ctx, requestID)
}

// ListRequests returns stored requests matching the filter.
func (c *Coordinator) ListRequests(ctx context.Context, filter domain.RequestFilter) ([]*domain.Request, error) {
	return c.store.ListRequests(ctx, filter)
}

// Cancel stops an in-flight request. Cancelling an already terminal
// request is an error; the stored state is never regressed.
func (c *Coordinator) Cancel(ctx context.Context, requestID string) error {
	stored, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return &domain.ValidationError{Field: "status",
			Detail: fmt.Sprintf("request is already %s", stored.Status)}
	}

	if val, ok := c.executions.Load(requestID); ok {
		val.(*execution).cancel()
	}

	req, committed := c.commitTerminal(requestID, func(r *domain.Request) {
		r.Status = domain.StatusCancelled
		r.Error = &domain.ErrorDetail{Code: domain.CodeCancelled, Message: "cancelled by caller"}
		r.CurrentStep = ""
	})
	if !committed {
		// The processing goroutine won the race to a terminal state.
		return &domain.ValidationError{Field: "status",
			Detail: fmt.Sprintf("request is already %s", req.Status)}
	}

	c.publish(context.Background(), domain.Event{
		ID:        uuid.New().String(),
		Type:      domain.EventRequestCancelled,
		RequestID: requestID,
		Status:    domain.StatusCancelled,
		Progress:  req.Progress,
		Timestamp: time.Now().UTC(),
	})
	c.logger.Info("request cancelled", zap.String("request_id", requestID))
	return nil
}

// Shutdown cancels all in-flight requests and waits for their
// goroutines to finish, up to the context deadline.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down coordinator")
	c.executions.Range(func(key, value any) bool {
		value.(*execution).cancel()
		return true
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("coordinator shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// process drives one request from pending to a terminal state.
func (c *Coordinator) process(ctx context.Context, requestID string) {
	req, err := c.store.GetRequest(context.Background(), requestID)
	if err != nil {
		c.logger.Error("request vanished before processing",
			zap.String("request_id", requestID), zap.Error(err))
		return
	}
	start := time.Now()

	if !c.markProcessing(req) {
		// Cancelled before processing started.
		return
	}
	c.publish(ctx, domain.Event{
		ID:        uuid.New().String(),
		Type:      domain.EventRequestStarted,
		RequestID: req.ID,
		Status:    domain.StatusProcessing,
		Timestamp: time.Now().UTC(),
	})

	plan, err := c.planner.Plan(ctx, req)
	if err != nil {
		c.fail(ctx, req, start, err)
		return
	}

	result, err := c.engine.Execute(ctx, req, plan)
	if err != nil {
		c.fail(ctx, req, start, err)
		return
	}

	verdict := c.tester.Validate(result.Output, plan.Acceptance)
	for revision := 0; !verdict.Accepted && revision < c.revisionBudget; revision++ {
		c.logger.Info("revising rejected result",
			zap.String("request_id", req.ID),
			zap.Int("revision", revision+1),
			zap.Strings("failing_steps", verdict.FailingSteps))
		result, err = c.engine.Rerun(ctx, req, plan, result, verdict.FailingSteps)
		if err != nil {
			c.fail(ctx, req, start, err)
			return
		}
		verdict = c.tester.Validate(result.Output, plan.Acceptance)
	}
	if !verdict.Accepted {
		c.fail(ctx, req, start, &rejectionError{reason: verdict.Reason})
		return
	}

	c.complete(req, start, result)
}

// markProcessing transitions pending to processing with conflict
// retries. Returns false when the request already left pending for a
// terminal state.
func (c *Coordinator) markProcessing(req *domain.Request) bool {
	for attempt := 0; attempt < terminalWriteAttempts; attempt++ {
		stored, err := c.store.GetRequest(context.Background(), req.ID)
		if err != nil {
			return false
		}
		if !domain.CanTransition(stored.Status, domain.StatusProcessing) {
			return false
		}
		stored.Status = domain.StatusProcessing
		err = c.store.UpdateRequest(context.Background(), stored)
		if err == nil {
			*req = *stored.Clone()
			return true
		}
		if domain.IsConflict(err) {
			c.metrics.RecordStoreConflict()
			continue
		}
		c.logger.Error("failed to mark request processing",
			zap.String("request_id", req.ID), zap.Error(err))
		return false
	}
	return false
}

// complete commits the completed terminal state with progress 1.0 and
// records the agent response.
func (c *Coordinator) complete(req *domain.Request, start time.Time, result *engine.Result) {
	committed, ok := c.commitTerminal(req.ID, func(r *domain.Request) {
		r.Status = domain.StatusCompleted
		r.Progress = 1.0
		r.CurrentStep = ""
		r.Result = result.Output
		r.Error = nil
	})
	if !ok {
		// Lost the race, typically to a cancellation.
		c.logger.Info("completion skipped, request already terminal",
			zap.String("request_id", req.ID),
			zap.String("status", string(committed.Status)))
		return
	}

	duration := time.Since(start)
	c.metrics.RecordRequestCompleted(string(domain.StatusCompleted), duration)
	c.publish(context.Background(), domain.Event{
		ID:        uuid.New().String(),
		Type:      domain.EventRequestCompleted,
		RequestID: req.ID,
		Status:    domain.StatusCompleted,
		Progress:  1.0,
		Timestamp: time.Now().UTC(),
	})

	c.recordResponse(req, result.Output, result.Tokens, duration, true, "")
	c.logger.Info("request completed",
		zap.String("request_id", req.ID),
		zap.Duration("duration", duration),
		zap.Int("tokens", result.Tokens))
}

// fail commits the failed or cancelled terminal state.
func (c *Coordinator) fail(ctx context.Context, req *domain.Request, start time.Time, cause error) {
	status := domain.StatusFailed
	detail := domain.ErrorDetailFor(cause)
	var rej *rejectionError
	if errors.As(cause, &rej) {
		detail = &domain.ErrorDetail{Code: domain.CodeRejected, Message: rej.reason}
	}
	if ctx.Err() == context.Canceled {
		status = domain.StatusCancelled
		detail = &domain.ErrorDetail{Code: domain.CodeCancelled, Message: "request cancelled"}
	} else if ctx.Err() == context.DeadlineExceeded {
		detail = &domain.ErrorDetail{Code: domain.CodeTimeout,
			Message: fmt.Sprintf("request exceeded %s", c.requestTimeout)}
	}

	committed, ok := c.commitTerminal(req.ID, func(r *domain.Request) {
		r.Status = status
		r.Error = detail
		r.CurrentStep = ""
	})
	if !ok {
		c.logger.Info("failure commit skipped, request already terminal",
			zap.String("request_id", req.ID),
			zap.String("status", string(committed.Status)))
		return
	}

	duration := time.Since(start)
	c.metrics.RecordRequestCompleted(string(status), duration)

	eventType := domain.EventRequestFailed
	if status == domain.StatusCancelled {
		eventType = domain.EventRequestCancelled
	}
	c.publish(context.Background(), domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RequestID: req.ID,
		Status:    status,
		Progress:  committed.Progress,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"error": detail.Message},
	})

	c.recordResponse(req, nil, 0, duration, false, detail.Message)
	c.logger.Warn("request did not complete",
		zap.String("request_id", req.ID),
		zap.String("status", string(status)),
		zap.String("code", detail.Code),
		zap.String("error", detail.Message))
}

// commitTerminal applies a terminal mutation under optimistic
// versioning. It reports false, with the stored request, when the
// request is already terminal.
func (c *Coordinator) commitTerminal(requestID string, mutate func(*domain.Request)) (*domain.Request, bool) {
	for attempt := 0; attempt < terminalWriteAttempts; attempt++ {
		stored, err := c.store.GetRequest(context.Background(), requestID)
		if err != nil {
			c.logger.Error("terminal commit read failed",
				zap.String("request_id", requestID), zap.Error(err))
			return nil, false
		}
		if stored.Status.Terminal() {
			return stored, false
		}
		mutate(stored)
		err = c.store.UpdateRequest(context.Background(), stored)
		if err == nil {
			return stored, true
		}
		if domain.IsConflict(err) {
			c.metrics.RecordStoreConflict()
			continue
		}
		c.logger.Error("terminal commit write failed",
			zap.String("request_id", requestID), zap.Error(err))
		return stored, false
	}
	return nil, false
}

// recordResponse appends the agent response message and refreshes the
// conversation analytics. Bookkeeping failures are logged, never fatal.
func (c *Coordinator) recordResponse(req *domain.Request, output map[string]any,
	tokens int, duration time.Duration, success bool, errMsg string) {
	if req.ConversationID == "" {
		return
	}
	ctx := context.Background()

	content := errMsg
	if success {
		if data, err := json.Marshal(output); err == nil {
			content = string(data)
		} else {
			content = "completed"
		}
	}
	msg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Type:           domain.MessageAgentResponse,
		Content:        content,
		Metadata: map[string]any{
			"request_id": req.ID,
			"success":    success,
		},
		ExecutionTime: duration.Seconds(),
		TokensUsed:    tokens,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		c.logger.Warn("failed to record agent response",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if _, err := c.store.RecomputeAnalytics(ctx, req.ConversationID); err != nil {
		c.logger.Warn("failed to refresh analytics",
			zap.String("conversation_id", req.ConversationID), zap.Error(err))
	}
}

func (c *Coordinator) ensureConversation(ctx context.Context, sessionID, userID, query string) (*domain.Conversation, error) {
	conv, err := c.store.GetConversationBySession(ctx, sessionID)
	if err == nil {
		return conv, nil
	}
	if err != domain.ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	title := query
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	conv = &domain.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		SessionID: sessionID,
		Title:     title,
		Status:    domain.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		// A concurrent submit for the same session may have won.
		if existing, getErr := c.store.GetConversationBySession(ctx, sessionID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return conv, nil
}

func (c *Coordinator) publish(ctx context.Context, event domain.Event) {
	if err := c.bus.Publish(ctx, domain.TopicRequests, event); err != nil {
		c.logger.Warn("event publish failed",
			zap.String("request_id", event.RequestID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
