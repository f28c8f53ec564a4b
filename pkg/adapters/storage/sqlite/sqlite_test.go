package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRequest(id string) *domain.Request {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Request{
		ID:        id,
		Query:     "find running shoes under 100",
		Context:   map[string]any{"budget": float64(100)},
		Status:    domain.StatusPending,
		SessionID: "session-" + id,
		UserID:    "user-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRequestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := newTestRequest("req-1")
	require.NoError(t, s.CreateRequest(ctx, req))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, req.Query, got.Query)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, float64(100), got.Context["budget"])
	assert.Equal(t, int64(1), got.Version)

	_, err = s.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateRequestVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := newTestRequest("req-1")
	require.NoError(t, s.CreateRequest(ctx, req))

	a, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	b, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)

	a.Status = domain.StatusProcessing
	require.NoError(t, s.UpdateRequest(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	// The second writer still holds version 1 and must lose.
	b.Status = domain.StatusCancelled
	err = s.UpdateRequest(ctx, b)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
}

func TestUpdateRequestNotFound(t *testing.T) {
	s := newTestStore(t)
	req := newTestRequest("ghost")
	req.Version = 1
	err := s.UpdateRequest(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListRequestsFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		req := newTestRequest(fmt.Sprintf("req-%d", i))
		req.SessionID = fmt.Sprintf("session-%d", i)
		req.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		req.UpdatedAt = req.CreatedAt
		if i%2 == 0 {
			req.Status = domain.StatusCompleted
		}
		require.NoError(t, s.CreateRequest(ctx, req))
	}

	completed, err := s.ListRequests(ctx, domain.RequestFilter{Status: domain.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 3)
	assert.Equal(t, "req-4", completed[0].ID)

	page, err := s.ListRequests(ctx, domain.RequestFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "req-3", page[0].ID)
	assert.Equal(t, "req-2", page[1].ID)
}

func seedConversation(t *testing.T, s *Store, id, userID string) *domain.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:        id,
		UserID:    userID,
		SessionID: "session-" + id,
		Title:     "errand " + id,
		Status:    domain.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func seedMessage(t *testing.T, s *Store, convID, content string, typ domain.MessageType, at time.Time) *domain.Message {
	t.Helper()
	msg := &domain.Message{
		ID:             fmt.Sprintf("msg-%s-%d", convID, at.UnixNano()),
		ConversationID: convID,
		Type:           typ,
		Content:        content,
		ExecutionTime:  1.5,
		TokensUsed:     42,
		CreatedAt:      at,
	}
	require.NoError(t, s.AppendMessage(context.Background(), msg))
	return msg
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "conv-1", "user-1")

	got, err := s.GetConversationBySession(ctx, conv.SessionID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	// Session ids are unique.
	dup := *conv
	dup.ID = "conv-dup"
	assert.Error(t, s.CreateConversation(ctx, &dup))

	require.NoError(t, s.UpdateConversationStatus(ctx, conv.ID, domain.ConversationArchived))
	got, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationArchived, got.Status)

	assert.ErrorIs(t, s.UpdateConversationStatus(ctx, "missing", domain.ConversationArchived), domain.ErrNotFound)
}

func TestDeleteConversationCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "conv-1", "user-1")
	seedMessage(t, s, conv.ID, "question", domain.MessageUserQuestion, time.Now().UTC())
	seedMessage(t, s, conv.ID, "answer", domain.MessageAgentResponse, time.Now().UTC().Add(time.Second))
	_, err := s.RecomputeAnalytics(ctx, conv.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = s.GetAnalytics(ctx, conv.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, s.DeleteConversation(ctx, conv.ID), domain.ErrNotFound)
}

func TestSearchMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv1 := seedConversation(t, s, "conv-1", "user-1")
	conv2 := seedConversation(t, s, "conv-2", "user-2")

	base := time.Now().UTC().Add(-time.Hour)
	seedMessage(t, s, conv1.ID, "Find me Running Shoes", domain.MessageUserQuestion, base)
	seedMessage(t, s, conv1.ID, "here are three running shoes", domain.MessageAgentResponse, base.Add(time.Minute))
	seedMessage(t, s, conv2.ID, "running late, need shoes", domain.MessageUserQuestion, base.Add(2*time.Minute))
	seedMessage(t, s, conv1.ID, "anything about laptops", domain.MessageUserQuestion, base.Add(3*time.Minute))

	// Case-insensitive, most recent first.
	msgs, total, err := s.SearchMessages(ctx, domain.SearchQuery{Keyword: "RUNNING"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, msgs, 3)
	assert.Equal(t, "running late, need shoes", msgs[0].Content)

	// User filter narrows to one conversation's messages.
	msgs, total, err = s.SearchMessages(ctx, domain.SearchQuery{Keyword: "running", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, msgs, 2)

	// Pagination keeps the total stable.
	msgs, total, err = s.SearchMessages(ctx, domain.SearchQuery{Keyword: "running", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, msgs, 1)
	assert.Equal(t, "here are three running shoes", msgs[0].Content)

	// Date range filter.
	from := base.Add(90 * time.Second)
	msgs, total, err = s.SearchMessages(ctx, domain.SearchQuery{Keyword: "running", From: &from})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRecomputeAnalytics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "conv-1", "user-1")
	base := time.Now().UTC().Add(-time.Minute)
	seedMessage(t, s, conv.ID, "question", domain.MessageUserQuestion, base)

	seedMessage(t, s, conv.ID, "answer", domain.MessageAgentResponse, base.Add(time.Second))
	failed := &domain.Message{
		ID:             "msg-failed",
		ConversationID: conv.ID,
		Type:           domain.MessageAgentResponse,
		Content:        "could not finish",
		Metadata:       map[string]any{"success": false},
		ExecutionTime:  0.5,
		CreatedAt:      base.Add(2 * time.Second),
	}
	require.NoError(t, s.AppendMessage(ctx, failed))

	a, err := s.RecomputeAnalytics(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, a.MessageCount)
	assert.Equal(t, 84, a.TotalTokens)
	assert.InDelta(t, 0.5, a.SuccessRate, 0.001)
	assert.InDelta(t, 1.0, a.AvgResponseTime, 0.001)

	got, err := s.GetAnalytics(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, a.MessageCount, got.MessageCount)

	_, err = s.RecomputeAnalytics(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUsageAnalytics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s, "conv-1", "user-1")
	base := time.Now().UTC().Add(-time.Hour)
	seedMessage(t, s, conv.ID, "question", domain.MessageUserQuestion, base)
	seedMessage(t, s, conv.ID, "answer", domain.MessageAgentResponse, base.Add(time.Second))

	// Another user's activity must not leak in.
	other := seedConversation(t, s, "conv-2", "user-2")
	seedMessage(t, s, other.ID, "unrelated", domain.MessageUserQuestion, base)

	u, err := s.UsageAnalytics(ctx, "user-1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, u.TotalConversations)
	assert.Equal(t, 2, u.TotalMessages)
	assert.Equal(t, 84, u.TotalTokens)
	assert.InDelta(t, 1.5, u.AvgResponseTime, 0.001)
	assert.Equal(t, 7, u.PeriodDays)
}
