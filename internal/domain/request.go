package domain

import "time"

// Status represents the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a status transition is allowed.
// Transitions are monotonic: pending → processing → terminal, and a
// terminal status never changes again. Pending may jump straight to a
// terminal status (e.g. cancelled before execution started).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing || to.Terminal()
	case StatusProcessing:
		return to.Terminal()
	default:
		return false
	}
}

// ErrorDetail carries a stable error code plus a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request is one end-to-end unit of work from submission to terminal
// outcome. Progress is non-decreasing and reaches 1.0 exactly when the
// request completes. Version is the optimistic concurrency counter used
// by the store to serialize concurrent writers per request.
type Request struct {
	ID             string         `json:"id"`
	Query          string         `json:"query"`
	Context        map[string]any `json:"context,omitempty"`
	Status         Status         `json:"status"`
	Progress       float64        `json:"progress"`
	CurrentStep    string         `json:"current_step,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *ErrorDetail   `json:"error,omitempty"`
	Version        int64          `json:"version"`
	ConversationID string         `json:"conversation_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep-enough copy for safe hand-off across goroutines.
func (r *Request) Clone() *Request {
	cp := *r
	if r.Context != nil {
		cp.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			cp.Context[k] = v
		}
	}
	if r.Result != nil {
		cp.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			cp.Result[k] = v
		}
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

// RequestFilter selects requests for listing.
type RequestFilter struct {
	Status Status
	Limit  int
	Offset int
}
