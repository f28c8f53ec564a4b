package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/application/coordinator"
	"github.com/errandlabs/errand/internal/domain"
)

// SubmitRequest is the body of a request submission
type SubmitRequest struct {
	Query     string         `json:"query" binding:"required"`
	Context   map[string]any `json:"context"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
}

// SubmitResponse is the response to a request submission
type SubmitResponse struct {
	RequestID   string `json:"request_id"`
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// writeError maps a domain error to an HTTP status and body.
func writeError(c *gin.Context, err error) {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Code:    domain.CodeValidation,
			Message: vErr.Detail,
			Field:   vErr.Field,
		}})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{
			Code:    "NOT_FOUND",
			Message: "resource not found",
		}})
	case domain.IsConflict(err):
		c.JSON(http.StatusConflict, ErrorResponse{Error: ErrorDetail{
			Code:    "CONFLICT",
			Message: "concurrent update, retry",
		}})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
			Code:    "INTERNAL",
			Message: "internal error",
		}})
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	health := s.pool.Health()
	status := http.StatusOK
	state := "healthy"
	if !health.Healthy {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks": gin.H{
			"worker_pool": health,
		},
	})
}

// handleSubmitRequest handles request submission
func (s *Server) handleSubmitRequest(c *gin.Context) {
	var body SubmitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Code:    domain.CodeValidation,
			Message: err.Error(),
		}})
		return
	}

	req, err := s.coordinator.Submit(c.Request.Context(), coordinator.SubmitInput{
		Query:     body.Query,
		Context:   body.Context,
		SessionID: body.SessionID,
		UserID:    body.UserID,
	})
	if err != nil {
		s.logger.Warn("request submission rejected", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, SubmitResponse{
		RequestID:   req.ID,
		SessionID:   req.SessionID,
		Status:      string(req.Status),
		SubmittedAt: req.CreatedAt.Format(time.RFC3339),
	})
}

// handleGetRequest returns the full state of one request
func (s *Server) handleGetRequest(c *gin.Context) {
	req, err := s.coordinator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// handleListRequests handles listing requests
func (s *Server) handleListRequests(c *gin.Context) {
	limit, offset := pagination(c)
	filter := domain.RequestFilter{
		Status: domain.Status(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	}

	requests, err := s.coordinator.ListRequests(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list requests", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": requests,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleCancelRequest handles request cancellation
func (s *Server) handleCancelRequest(c *gin.Context) {
	requestID := c.Param("id")

	if err := s.coordinator.Cancel(c.Request.Context(), requestID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":   requestID,
		"status":       string(domain.StatusCancelled),
		"cancelled_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListConversations handles listing conversations
func (s *Server) handleListConversations(c *gin.Context) {
	limit, offset := pagination(c)
	filter := domain.ConversationFilter{
		UserID: c.Query("user_id"),
		Limit:  limit,
		Offset: offset,
	}

	conversations, total, err := s.store.ListConversations(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list conversations", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}

// handleGetConversation returns one conversation
func (s *Server) handleGetConversation(c *gin.Context) {
	conv, err := s.store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// handleListMessages returns the ordered messages of a conversation
func (s *Server) handleListMessages(c *gin.Context) {
	conversationID := c.Param("id")
	if _, err := s.store.GetConversation(c.Request.Context(), conversationID); err != nil {
		writeError(c, err)
		return
	}

	messages, err := s.store.ListMessages(c.Request.Context(), conversationID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"messages":        messages,
	})
}

// handleGetAnalytics returns the derived analytics of a conversation
func (s *Server) handleGetAnalytics(c *gin.Context) {
	analytics, err := s.store.GetAnalytics(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, analytics)
}

// handleArchiveConversation marks a conversation archived
func (s *Server) handleArchiveConversation(c *gin.Context) {
	conversationID := c.Param("id")

	if err := s.store.UpdateConversationStatus(c.Request.Context(), conversationID, domain.ConversationArchived); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"status":          string(domain.ConversationArchived),
	})
}

// handleDeleteConversation deletes a conversation and its messages
func (s *Server) handleDeleteConversation(c *gin.Context) {
	if err := s.store.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSearchMessages handles keyword search over message content
func (s *Server) handleSearchMessages(c *gin.Context) {
	keyword := c.Query("q")
	if keyword == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Code:    domain.CodeValidation,
			Message: "query parameter q is required",
			Field:   "q",
		}})
		return
	}

	limit, offset := pagination(c)
	query := domain.SearchQuery{
		Keyword:   keyword,
		UserID:    c.Query("user_id"),
		SessionID: c.Query("session_id"),
		Limit:     limit,
		Offset:    offset,
	}
	var err error
	if query.From, err = parseTime(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Code: domain.CodeValidation, Message: "invalid from timestamp", Field: "from",
		}})
		return
	}
	if query.To, err = parseTime(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Code: domain.CodeValidation, Message: "invalid to timestamp", Field: "to",
		}})
		return
	}

	messages, total, err := s.store.SearchMessages(c.Request.Context(), query)
	if err != nil {
		s.logger.Error("message search failed", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleUsageAnalytics aggregates activity over a trailing window
func (s *Server) handleUsageAnalytics(c *gin.Context) {
	days := 30
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
				Code: domain.CodeValidation, Message: "days must be a positive integer", Field: "days",
			}})
			return
		}
		days = parsed
	}

	usage, err := s.store.UsageAnalytics(c.Request.Context(), c.Query("user_id"), days)
	if err != nil {
		s.logger.Error("usage analytics failed", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}

// handleSystemStatus reports pool occupancy, registered capabilities,
// and request counts by lifecycle state
func (s *Server) handleSystemStatus(c *gin.Context) {
	counts := gin.H{}
	for _, status := range []domain.Status{
		domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed,
	} {
		requests, err := s.coordinator.ListRequests(c.Request.Context(), domain.RequestFilter{Status: status})
		if err != nil {
			s.logger.Error("failed to count requests",
				zap.String("status", string(status)), zap.Error(err))
			writeError(c, err)
			return
		}
		counts[string(status)] = len(requests)
	}

	c.JSON(http.StatusOK, gin.H{
		"requests":     counts,
		"worker_pool":  s.pool.Health(),
		"capabilities": s.pool.Capabilities(),
		"timestamp":    time.Now().UTC(),
	})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
