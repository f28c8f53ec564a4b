// Package ports defines the interfaces between the application core and
// its adapters: persistence, eventing, LLM access, and metrics.
package ports

import (
	"context"
	"time"

	"github.com/errandlabs/errand/internal/domain"
)

// EventHandler processes one event delivered by the bus.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus decouples state-change producers from subscribers. Publish
// must not block on slow consumers; handlers run until the subscribe
// context is cancelled.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// RequestStore is the durable entity store and the single source of
// truth for request status. Request updates are serialized per id with
// optimistic versioning: UpdateRequest fails with a conflicting
// StorageError when the stored version does not match, and the caller
// retries with a fresh read. Status and progress for the same request
// are always applied atomically.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *domain.Request) error
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	UpdateRequest(ctx context.Context, req *domain.Request) error
	ListRequests(ctx context.Context, filter domain.RequestFilter) ([]*domain.Request, error)

	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	GetConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, filter domain.ConversationFilter) ([]*domain.Conversation, int, error)
	UpdateConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) error
	DeleteConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, msg *domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)
	SearchMessages(ctx context.Context, query domain.SearchQuery) ([]*domain.Message, int, error)

	GetAnalytics(ctx context.Context, conversationID string) (*domain.Analytics, error)
	RecomputeAnalytics(ctx context.Context, conversationID string) (*domain.Analytics, error)
	UsageAnalytics(ctx context.Context, userID string, days int) (*domain.UsageAnalytics, error)

	Close() error
}

// CompletionRequest is one opaque natural-language capability call.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// CompletionResponse carries the model output and token accounting.
type CompletionResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// LLMClient is the opaque natural-language capability used inside
// workers and the LLM planner. Failures surface as TaskError at the
// worker boundary.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// MetricsCollector records operational metrics.
type MetricsCollector interface {
	RecordRequestSubmitted()
	RecordRequestCompleted(status string, duration time.Duration)
	RecordStepExecuted(capability, status string, duration time.Duration)
	RecordLLMTokens(input, output int)
	RecordWorkerPoolStatus(idle, busy int)
	RecordStoreConflict()
}
