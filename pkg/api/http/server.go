package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/application/coordinator"
	"github.com/errandlabs/errand/internal/application/workers"
	"github.com/errandlabs/errand/internal/ports"
)

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	server      *http.Server
	coordinator *coordinator.Coordinator
	store       ports.RequestStore
	pool        *workers.Pool
	logger      *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port        int
	Coordinator *coordinator.Coordinator
	Store       ports.RequestStore
	Pool        *workers.Pool
	Logger      *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(cfg.Logger))

	s := &Server{
		router:      router,
		coordinator: cfg.Coordinator,
		store:       cfg.Store,
		pool:        cfg.Pool,
		logger:      cfg.Logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Request lifecycle
		v1.POST("/requests", s.handleSubmitRequest)
		v1.GET("/requests", s.handleListRequests)
		v1.GET("/requests/:id", s.handleGetRequest)
		v1.POST("/requests/:id/cancel", s.handleCancelRequest)

		// Conversations
		v1.GET("/conversations", s.handleListConversations)
		v1.GET("/conversations/:id", s.handleGetConversation)
		v1.GET("/conversations/:id/messages", s.handleListMessages)
		v1.GET("/conversations/:id/analytics", s.handleGetAnalytics)
		v1.POST("/conversations/:id/archive", s.handleArchiveConversation)
		v1.DELETE("/conversations/:id", s.handleDeleteConversation)

		// Search and usage
		v1.GET("/search/messages", s.handleSearchMessages)
		v1.GET("/analytics/usage", s.handleUsageAnalytics)

		// System
		v1.GET("/system/status", s.handleSystemStatus)
	}
}

// SetupWebSocket adds the progress stream WebSocket handler
func (s *Server) SetupWebSocket(handler interface {
	HandleRequestStream(*gin.Context)
}) {
	s.router.GET("/api/v1/requests/:id/ws", handler.HandleRequestStream)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
