package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/application/stream"
	"github.com/errandlabs/errand/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler bridges the progress stream to WebSocket clients.
type Handler struct {
	stream *stream.Stream
	logger *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(st *stream.Stream, logger *zap.Logger) *Handler {
	return &Handler{
		stream: st,
		logger: logger,
	}
}

// HandleRequestStream streams the progress of one request over a
// WebSocket connection. The client first receives a snapshot of the
// request's current state, then live events until the request reaches
// a terminal state or the client disconnects.
func (h *Handler) HandleRequestStream(c *gin.Context) {
	requestID := c.Param("id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := h.stream.Subscribe(ctx, requestID)
	if err != nil {
		if err == domain.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
			return
		}
		h.logger.Error("failed to subscribe to request stream",
			zap.String("request_id", requestID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscription failed"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("request_id", requestID),
		zap.String("client", c.ClientIP()))

	// The read loop only detects disconnects; clients never send data.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				// Stream ended: the request is terminal or the
				// subscription was dropped.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("failed to write message, closing",
					zap.String("request_id", requestID),
					zap.Error(err))
				return
			}
		}
	}
}
