package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/errandlabs/errand/internal/application/coordinator"
	"github.com/errandlabs/errand/internal/application/engine"
	"github.com/errandlabs/errand/internal/application/stream"
	"github.com/errandlabs/errand/internal/application/tester"
	"github.com/errandlabs/errand/internal/application/workers"
	"github.com/errandlabs/errand/internal/config"
	"github.com/errandlabs/errand/internal/ports"
	eventmem "github.com/errandlabs/errand/pkg/adapters/events/memory"
	eventredis "github.com/errandlabs/errand/pkg/adapters/events/redis"
	"github.com/errandlabs/errand/pkg/adapters/llm"
	"github.com/errandlabs/errand/pkg/adapters/metrics/prometheus"
	storemem "github.com/errandlabs/errand/pkg/adapters/storage/memory"
	"github.com/errandlabs/errand/pkg/adapters/storage/sqlite"
	"github.com/errandlabs/errand/pkg/api/http"
	"github.com/errandlabs/errand/pkg/api/websocket"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting errand",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx := context.Background()

	// Initialize the request store
	var store ports.RequestStore
	switch cfg.Storage.Backend {
	case "sqlite":
		sqliteStore, err := sqlite.New(cfg.Storage.SQLitePath, logger)
		if err != nil {
			logger.Fatal("failed to open sqlite store", zap.Error(err))
		}
		store = sqliteStore
		logger.Info("sqlite store opened", zap.String("path", cfg.Storage.SQLitePath))
	case "memory":
		store = storemem.New()
		logger.Warn("using in-memory store, state is lost on restart")
	}

	// Initialize the event bus
	var bus ports.EventBus
	var redisClient *goredis.Client
	switch cfg.Events.Backend {
	case "redis":
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Events.Redis.Addr,
			Password:     cfg.Events.Redis.Password,
			DB:           cfg.Events.Redis.DB,
			PoolSize:     cfg.Events.Redis.PoolSize,
			MinIdleConns: cfg.Events.Redis.MinIdleConns,
			MaxRetries:   cfg.Events.Redis.MaxRetries,
			DialTimeout:  cfg.Events.Redis.DialTimeout,
			ReadTimeout:  cfg.Events.Redis.ReadTimeout,
			WriteTimeout: cfg.Events.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Events.Redis.Addr))

		bus = eventredis.NewStreamsBus(
			redisClient,
			cfg.Events.Redis.ConsumerGroup,
			fmt.Sprintf("errand-%d", os.Getpid()),
			logger,
		)
	case "memory":
		bus = eventmem.New()
	}

	// Initialize the LLM client
	llmClient, err := llm.NewClient(&llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.DefaultModel,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to create LLM client", zap.Error(err))
	}

	metricsCollector := prometheus.NewCollector()

	// Initialize the worker pool with the built-in capability workers
	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	workers.RegisterBuiltins(workerPool, llmClient)

	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	// Initialize the application core
	eng := engine.New(workerPool, store, bus, metricsCollector, logger, cfg.Timeouts.StepTimeout)

	var planner coordinator.Planner
	switch cfg.Planner.Mode {
	case "llm":
		planner = coordinator.NewLLMPlanner(llmClient, logger)
	default:
		planner = coordinator.NewKeywordPlanner(logger)
	}

	coord := coordinator.New(
		planner,
		eng,
		tester.New(logger),
		store,
		bus,
		metricsCollector,
		logger,
		cfg.Timeouts.RequestTimeout,
		cfg.RevisionBudget,
	)

	progressStream := stream.New(store, bus, logger, cfg.StreamBuffer)

	// Initialize the API server
	httpServer := http.NewServer(&http.Config{
		Port:        cfg.HTTPPort,
		Coordinator: coord,
		Store:       store,
		Pool:        workerPool,
		Logger:      logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(progressStream, logger))

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("errand started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.String("planner", cfg.Planner.Mode))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("coordinator shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := bus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	if err := store.Close(); err != nil {
		logger.Error("store close error", zap.Error(err))
	}

	logger.Info("errand shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
