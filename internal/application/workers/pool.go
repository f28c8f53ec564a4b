package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/domain"
	"github.com/errandlabs/errand/internal/ports"
)

// Worker executes tasks for one capability. Workers are stateless
// across calls and safe for concurrent use.
type Worker interface {
	Capability() domain.Capability
	Execute(ctx context.Context, task domain.Task) (*domain.TaskResult, error)
}

// Pool dispatches tasks to registered workers by capability. Tasks
// with no specialized worker fall back to the general worker; a task
// that matches nothing fails with a no-worker TaskError. Concurrency
// is bounded by a semaphore of pool size.
type Pool struct {
	size    int
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	slots chan struct{}

	mu      sync.RWMutex
	workers map[domain.Capability]Worker
	busy    int
}

// NewPool creates a worker pool with the given concurrency bound.
func NewPool(size int, metrics ports.MetricsCollector, logger *zap.Logger, healthCheckInterval time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		size:    size,
		metrics: metrics,
		logger:  logger,
		slots:   make(chan struct{}, size),
		workers: make(map[domain.Capability]Worker),
	}
	p.health = NewHealthMonitor(p, healthCheckInterval, logger)
	return p
}

// Register adds a worker for its capability. Registering the same
// capability twice replaces the previous worker.
func (p *Pool) Register(w Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[w.Capability()] = w
	p.logger.Info("worker registered", zap.String("capability", string(w.Capability())))
}

// Start begins health monitoring.
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))
	p.health.Start()
	return nil
}

// Shutdown stops health monitoring and waits for in-flight tasks to
// drain, up to the context deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")
	p.health.Stop()

	// Draining means acquiring every slot.
	for i := 0; i < p.size; i++ {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout")
		}
	}
	p.logger.Info("worker pool shut down complete")
	return nil
}

// Execute runs one task on the matching worker, blocking until the
// task finishes, the context is cancelled, or no worker matches.
func (p *Pool) Execute(ctx context.Context, task domain.Task) (*domain.TaskResult, error) {
	worker := p.lookup(task.Capability)
	if worker == nil {
		return nil, &domain.TaskError{
			Reason:  domain.ReasonNoWorker,
			Message: fmt.Sprintf("no worker registered for capability %q", task.Capability),
		}
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.setBusy(1)
	defer func() {
		<-p.slots
		p.setBusy(-1)
	}()

	p.logger.Debug("executing task",
		zap.String("task_id", task.ID),
		zap.String("request_id", task.RequestID),
		zap.String("step_id", task.StepID),
		zap.String("capability", string(task.Capability)))

	start := time.Now()
	result, err := worker.Execute(ctx, task)
	duration := time.Since(start)

	if err != nil {
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("capability", string(task.Capability)),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	result.ExecutionTime = duration
	if result.TokensUsed > 0 {
		p.metrics.RecordLLMTokens(0, result.TokensUsed)
	}
	p.logger.Debug("task completed",
		zap.String("task_id", task.ID),
		zap.String("capability", string(task.Capability)),
		zap.Duration("duration", duration))
	return result, nil
}

// lookup resolves a capability to a worker, falling back to the
// general worker for unmatched specialized tags.
func (p *Pool) lookup(capability domain.Capability) Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if w, ok := p.workers[capability]; ok {
		return w
	}
	return p.workers[domain.CapabilityGeneral]
}

// Status returns the pool's idle and busy slot counts.
func (p *Pool) Status() (idle, busy int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size - p.busy, p.busy
}

// Health returns the current pool health snapshot.
func (p *Pool) Health() *HealthStatus {
	return p.health.GetStatus()
}

// Capabilities returns the registered capability tags.
func (p *Pool) Capabilities() []domain.Capability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.Capability, 0, len(p.workers))
	for c := range p.workers {
		out = append(out, c)
	}
	return out
}

func (p *Pool) setBusy(delta int) {
	p.mu.Lock()
	p.busy += delta
	p.mu.Unlock()
}
