package domain

import "time"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationArchived  ConversationStatus = "archived"
)

// Conversation is the durable record of one session's exchanges. It is
// keyed by a unique session id and owns an ordered sequence of messages.
type Conversation struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id,omitempty"`
	SessionID string             `json:"session_id"`
	Title     string             `json:"title,omitempty"`
	Status    ConversationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// MessageType distinguishes the two halves of an exchange.
type MessageType string

const (
	MessageUserQuestion  MessageType = "user_question"
	MessageAgentResponse MessageType = "agent_response"
)

// Message is one entry in a conversation, totally ordered by creation
// time within its conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Type           MessageType    `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExecutionTime  float64        `json:"execution_time,omitempty"`
	TokensUsed     int            `json:"tokens_used,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Analytics is the derived aggregate view of one conversation. It is a
// pure function of the conversation's messages and is recomputed, never
// independently mutated.
type Analytics struct {
	ConversationID  string    `json:"conversation_id"`
	MessageCount    int       `json:"message_count"`
	AvgResponseTime float64   `json:"avg_response_time"`
	TotalTokens     int       `json:"total_tokens"`
	SuccessRate     float64   `json:"success_rate"`
	ComputedAt      time.Time `json:"computed_at"`
}

// ComputeAnalytics derives the analytics view from a conversation's
// messages. An agent response counts as successful unless its metadata
// carries success=false.
func ComputeAnalytics(conversationID string, messages []*Message) *Analytics {
	a := &Analytics{
		ConversationID: conversationID,
		MessageCount:   len(messages),
		SuccessRate:    1.0,
		ComputedAt:     time.Now().UTC(),
	}
	var responses, successes int
	var totalTime float64
	for _, m := range messages {
		a.TotalTokens += m.TokensUsed
		if m.Type != MessageAgentResponse {
			continue
		}
		responses++
		totalTime += m.ExecutionTime
		if ok, present := m.Metadata["success"].(bool); !present || ok {
			successes++
		}
	}
	if responses > 0 {
		a.AvgResponseTime = totalTime / float64(responses)
		a.SuccessRate = float64(successes) / float64(responses)
	}
	return a
}

// UsageAnalytics aggregates activity across conversations over a window.
type UsageAnalytics struct {
	TotalConversations int     `json:"total_conversations"`
	TotalMessages      int     `json:"total_messages"`
	AvgResponseTime    float64 `json:"avg_response_time"`
	TotalTokens        int     `json:"total_tokens"`
	PeriodDays         int     `json:"period_days"`
}

// ConversationFilter selects conversations for listing.
type ConversationFilter struct {
	UserID string
	Limit  int
	Offset int
}

// SearchQuery is a keyword search over message content: case-insensitive
// substring match, most recent first, with pagination and optional
// user/session/date filters.
type SearchQuery struct {
	Keyword   string
	UserID    string
	SessionID string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
