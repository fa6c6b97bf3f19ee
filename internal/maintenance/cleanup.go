package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/metrics"
)

const (
	periodicInterval     = 10 * time.Minute
	periodicMaxAttempts  = 2
	periodicCompletedCap = 3
	periodicFailedCap    = 2
	periodicKeyPattern   = "rl:*"
)

// PeriodicCleanup runs a cron-style recurring sweep against the key
// pattern "rl:*", deleting exhausted keys to relieve the distributed
// store of stale state.
type PeriodicCleanup struct {
	store   limiter.Store
	logger  *logrus.Logger
	metrics metrics.Collector

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	completed []JobResult
	failed    []JobResult
}

// NewPeriodicCleanup builds a cleanup job against store.
func NewPeriodicCleanup(store limiter.Store, logger *logrus.Logger) *PeriodicCleanup {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PeriodicCleanup{
		store:  store,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// WithMetrics attaches a metrics collector used to record sweep outcomes.
func (p *PeriodicCleanup) WithMetrics(m metrics.Collector) *PeriodicCleanup {
	p.metrics = m
	return p
}

// Start launches the recurring sweep on its own goroutine.
func (p *PeriodicCleanup) Start() {
	p.ticker = time.NewTicker(periodicInterval)
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.ticker.C:
				p.runOnce()
			case <-p.stop:
				return
			}
		}
	}()
}

// Shutdown stops the ticker and waits for any in-flight sweep to finish,
// up to timeout.
func (p *PeriodicCleanup) Shutdown(timeout time.Duration) {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(timeout):
		p.logger.Warn("maintenance: periodic cleanup did not stop within shutdown timeout")
	}
}

func (p *PeriodicCleanup) runOnce() {
	var lastErr error
	for attempt := 1; attempt <= periodicMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		deleted, err := p.store.Cleanup(ctx, periodicKeyPattern)
		cancel()
		if err == nil {
			p.logger.WithField("deleted", deleted).Debug("maintenance: periodic cleanup sweep complete")
			p.recordCompleted(deleted)
			return
		}
		lastErr = err
		p.logger.WithError(err).WithField("attempt", attempt).Warn("maintenance: periodic cleanup sweep failed")
	}
	p.recordFailed(lastErr)
}

func (p *PeriodicCleanup) recordCompleted(deleted int) {
	p.mu.Lock()
	job := Job{Type: JobCleanup, Pattern: periodicKeyPattern, CreatedAt: time.Now()}
	p.completed = appendBounded(p.completed, JobResult{Job: job, FinishedAt: time.Now()}, periodicCompletedCap)
	p.mu.Unlock()
	p.metrics.RecordJob(string(JobCleanup), "completed")
}

func (p *PeriodicCleanup) recordFailed(err error) {
	p.mu.Lock()
	job := Job{Type: JobCleanup, Pattern: periodicKeyPattern, CreatedAt: time.Now()}
	p.failed = appendBounded(p.failed, JobResult{Job: job, Err: err, FinishedAt: time.Now()}, periodicFailedCap)
	p.mu.Unlock()
	p.metrics.RecordJob(string(JobCleanup), "failed")
}

// QueueStats reports depth for the administrative interface.
func (p *PeriodicCleanup) QueueStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Completed: len(p.completed), Failed: len(p.failed)}
}
