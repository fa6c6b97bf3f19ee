package maintenance

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second

// Worker owns the lifecycle of both maintenance components: the
// operations queue and the periodic cleanup sweep. It emits a
// queue-depth health probe on a fixed interval and coordinates a
// graceful shutdown that waits for active jobs before the caller
// closes the underlying store connection.
type Worker struct {
	Ops     *OperationsQueue
	Cleanup *PeriodicCleanup
	logger  *logrus.Logger
	metrics metrics.Collector

	probeStop chan struct{}
	probeDone chan struct{}
}

// NewWorker wires an operations queue and periodic cleanup against the
// same cache and store.
func NewWorker(cache *limiter.Cache, store limiter.Store, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		Ops:       NewOperationsQueue(cache, store, logger),
		Cleanup:   NewPeriodicCleanup(store, logger),
		logger:    logger,
		probeStop: make(chan struct{}),
		probeDone: make(chan struct{}),
	}
}

// WithMetrics attaches a metrics collector to the worker and its
// operations queue, publishing queue depth on every health probe tick.
func (w *Worker) WithMetrics(m metrics.Collector) *Worker {
	w.metrics = m
	w.Ops.WithMetrics(m)
	w.Cleanup.WithMetrics(m)
	return w
}

// Start launches the operations queue workers, the periodic cleanup
// sweep, and the health probe loop.
func (w *Worker) Start(queueWorkers int) {
	w.Ops.Start(queueWorkers)
	w.Cleanup.Start()
	go w.probeLoop()
}

func (w *Worker) probeLoop() {
	defer close(w.probeDone)
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.logProbe()
		case <-w.probeStop:
			return
		}
	}
}

func (w *Worker) logProbe() {
	stats := w.Ops.QueueStats()
	cleanupStats := w.Cleanup.QueueStats()
	w.logger.WithFields(logrus.Fields{
		"ops_waiting":       stats.Waiting,
		"ops_active":        stats.Active,
		"ops_completed":     stats.Completed,
		"ops_failed":        stats.Failed,
		"cleanup_completed": cleanupStats.Completed,
		"cleanup_failed":    cleanupStats.Failed,
	}).Debug("maintenance: health probe")

	w.metrics.SetQueueDepth("operations", "waiting", stats.Waiting)
	w.metrics.SetQueueDepth("operations", "active", stats.Active)
	w.metrics.SetQueueDepth("operations", "completed", stats.Completed)
	w.metrics.SetQueueDepth("operations", "failed", stats.Failed)
	w.metrics.SetQueueDepth("cleanup", "completed", cleanupStats.Completed)
	w.metrics.SetQueueDepth("cleanup", "failed", cleanupStats.Failed)
}

// Shutdown pauses both queues and waits up to timeout for active jobs
// to drain before returning. It does not close the underlying store
// client; the caller owns that connection's lifetime.
func (w *Worker) Shutdown(timeout time.Duration) {
	close(w.probeStop)
	select {
	case <-w.probeDone:
	case <-time.After(timeout):
	}
	w.Ops.Shutdown(timeout)
	w.Cleanup.Shutdown(timeout)
}

// Stats aggregates both queues' depth for the administrative stats
// endpoint.
func (w *Worker) Stats() (ops Stats, cleanup Stats) {
	return w.Ops.QueueStats(), w.Cleanup.QueueStats()
}
