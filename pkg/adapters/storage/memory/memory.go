// Package memory provides an in-memory RequestStore. It mirrors the
// SQLite store's semantics, version conflicts included, and is meant
// for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/errandlabs/errand/internal/domain"
)

// Store is a map-backed RequestStore guarded by a single mutex.
type Store struct {
	mu            sync.RWMutex
	requests      map[string]*domain.Request
	conversations map[string]*domain.Conversation
	messages      map[string][]*domain.Message
	analytics     map[string]*domain.Analytics
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		requests:      make(map[string]*domain.Request),
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]*domain.Message),
		analytics:     make(map[string]*domain.Analytics),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) CreateRequest(ctx context.Context, req *domain.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return &domain.StorageError{Op: "create request", Err: fmt.Errorf("request %s already exists", req.ID)}
	}
	req.Version = 1
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return req.Clone(), nil
}

func (s *Store) UpdateRequest(ctx context.Context, req *domain.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.requests[req.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != req.Version {
		return &domain.StorageError{Op: "update request", Conflict: true,
			Err: fmt.Errorf("version %d is stale for request %s", req.Version, req.ID)}
	}
	cp := req.Clone()
	cp.Version = stored.Version + 1
	cp.UpdatedAt = time.Now().UTC()
	s.requests[req.ID] = cp
	req.Version = cp.Version
	return nil
}

func (s *Store) ListRequests(ctx context.Context, filter domain.RequestFilter) ([]*domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Request
	for _, req := range s.requests {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.SessionID == conv.SessionID {
			return &domain.StorageError{Op: "create conversation",
				Err: fmt.Errorf("session %s already has a conversation", conv.SessionID)}
		}
	}
	cp := *conv
	s.conversations[conv.ID] = &cp
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *Store) GetConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conv := range s.conversations {
		if conv.SessionID == sessionID {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListConversations(ctx context.Context, filter domain.ConversationFilter) ([]*domain.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Conversation
	for _, conv := range s.conversations {
		if filter.UserID != "" && conv.UserID != filter.UserID {
			continue
		}
		cp := *conv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	total := len(out)
	return paginate(out, filter.Limit, filter.Offset), total, nil
}

func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return domain.ErrNotFound
	}
	conv.Status = status
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.analytics, id)
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
	if conv, ok := s.conversations[msg.ConversationID]; ok {
		conv.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]*domain.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SearchMessages(ctx context.Context, q domain.SearchQuery) ([]*domain.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keyword := strings.ToLower(q.Keyword)
	var out []*domain.Message
	for convID, msgs := range s.messages {
		conv := s.conversations[convID]
		if conv == nil {
			continue
		}
		if q.UserID != "" && conv.UserID != q.UserID {
			continue
		}
		if q.SessionID != "" && conv.SessionID != q.SessionID {
			continue
		}
		for _, m := range msgs {
			if !strings.Contains(strings.ToLower(m.Content), keyword) {
				continue
			}
			if q.From != nil && m.CreatedAt.Before(*q.From) {
				continue
			}
			if q.To != nil && m.CreatedAt.After(*q.To) {
				continue
			}
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	return paginate(out, q.Limit, q.Offset), total, nil
}

func (s *Store) GetAnalytics(ctx context.Context, conversationID string) (*domain.Analytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analytics[conversationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) RecomputeAnalytics(ctx context.Context, conversationID string) (*domain.Analytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, domain.ErrNotFound
	}
	a := domain.ComputeAnalytics(conversationID, s.messages[conversationID])
	s.analytics[conversationID] = a
	cp := *a
	return &cp, nil
}

func (s *Store) UsageAnalytics(ctx context.Context, userID string, days int) (*domain.UsageAnalytics, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	s.mu.RLock()
	defer s.mu.RUnlock()
	u := &domain.UsageAnalytics{PeriodDays: days}
	var responses int
	var totalTime float64
	for convID, conv := range s.conversations {
		if conv.UserID != userID {
			continue
		}
		if !conv.CreatedAt.Before(since) {
			u.TotalConversations++
		}
		for _, m := range s.messages[convID] {
			if m.CreatedAt.Before(since) {
				continue
			}
			u.TotalMessages++
			u.TotalTokens += m.TokensUsed
			if m.Type == domain.MessageAgentResponse {
				responses++
				totalTime += m.ExecutionTime
			}
		}
	}
	if responses > 0 {
		u.AvgResponseTime = totalTime / float64(responses)
	}
	return u, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
