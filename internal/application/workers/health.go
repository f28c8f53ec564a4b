package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthMonitor periodically samples pool occupancy, logs it, and
// pushes the gauges to the metrics collector.
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// HealthStatus is one snapshot of the worker pool.
type HealthStatus struct {
	TotalWorkers int       `json:"total_workers"`
	IdleWorkers  int       `json:"idle_workers"`
	BusyWorkers  int       `json:"busy_workers"`
	Healthy      bool      `json:"healthy"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewHealthMonitor creates a health monitor for the pool.
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the monitoring loop.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop stops the monitoring loop.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

func (h *HealthMonitor) checkHealth() {
	status := h.GetStatus()

	h.logger.Debug("worker pool health check",
		zap.Int("total", status.TotalWorkers),
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Bool("healthy", status.Healthy))

	h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers)

	if status.BusyWorkers == status.TotalWorkers {
		h.logger.Warn("all worker slots are busy",
			zap.Int("total", status.TotalWorkers))
	}
}

// GetStatus returns the current pool snapshot.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	idle, busy := h.pool.Status()
	return &HealthStatus{
		TotalWorkers: idle + busy,
		IdleWorkers:  idle,
		BusyWorkers:  busy,
		Healthy:      idle > 0,
		Timestamp:    time.Now().UTC(),
	}
}

// IsHealthy reports whether the pool has capacity left.
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
