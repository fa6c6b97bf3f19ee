// Package maintenance implements the asynchronous maintenance pipeline:
// an operations queue for reverts/resets/cleanup and a
// periodically-ticking cleanup job, both with bounded retry and bounded
// retained history, built on buffered channels, worker goroutines, and
// time.Ticker.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/metrics"
)

// JobType tags an operations-queue message.
type JobType string

const (
	JobIncrement JobType = "INCREMENT"
	JobReset     JobType = "RESET"
	JobCleanup   JobType = "CLEANUP"
	// JobRevert compensates an admission whose response status said it
	// should not have counted.
	JobRevert JobType = "REVERT"
)

// Job is one operations-queue message.
type Job struct {
	ID        string
	Type      JobType
	Rule      limiter.Rule
	Key       string
	Pattern   string
	Attempts  int
	CreatedAt time.Time
}

// JobResult is a completed or permanently-failed job, retained bounded
// for the administrative stats endpoint.
type JobResult struct {
	Job        Job
	Err        error
	FinishedAt time.Time
}

const (
	opsMaxAttempts    = 3
	opsBaseBackoff    = 2 * time.Second
	opsCompletedCap   = 10
	opsFailedCap      = 5
	opsQueueCapacity  = 1024
	denialCleanupWait = 60 * time.Second
)

// OperationsQueue processes INCREMENT/RESET/CLEANUP/REVERT jobs against a
// limiter.Cache, retrying failures with exponential backoff up to
// opsMaxAttempts times.
type OperationsQueue struct {
	cache   *limiter.Cache
	store   limiter.Store
	logger  *logrus.Logger
	metrics metrics.Collector

	jobs chan *Job

	mu        sync.Mutex
	completed []JobResult
	failed    []JobResult
	active    int

	running sync.WaitGroup
	stop    chan struct{}
	jobID   int64
}

// NewOperationsQueue builds a queue bound to cache (for revert/reset) and
// store (for cleanup, which bypasses the breaker as an administrative
// path).
func NewOperationsQueue(cache *limiter.Cache, store limiter.Store, logger *logrus.Logger) *OperationsQueue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OperationsQueue{
		cache:  cache,
		store:  store,
		logger: logger,
		jobs:   make(chan *Job, opsQueueCapacity),
		stop:   make(chan struct{}),
	}
}

// WithMetrics attaches a metrics collector used to record job outcomes.
// Optional; a zero-value Collector is a safe no-op.
func (q *OperationsQueue) WithMetrics(m metrics.Collector) *OperationsQueue {
	q.metrics = m
	return q
}

// Start launches workerCount goroutines draining the job channel.
func (q *OperationsQueue) Start(workerCount int) {
	if workerCount <= 0 {
		workerCount = 2
	}
	for i := 0; i < workerCount; i++ {
		q.running.Add(1)
		go q.worker()
	}
}

// Shutdown stops the workers from picking up further jobs and waits up
// to timeout for active jobs to finish. Jobs still buffered are left
// unprocessed.
func (q *OperationsQueue) Shutdown(timeout time.Duration) {
	close(q.stop)
	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		q.logger.Warn("maintenance: operations queue did not drain within shutdown timeout")
	}
}

func (q *OperationsQueue) worker() {
	defer q.running.Done()
	for {
		select {
		case <-q.stop:
			return
		case job := <-q.jobs:
			if job == nil {
				continue
			}
			q.process(job)
		}
	}
}

func (q *OperationsQueue) nextID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobID++
	return fmt.Sprintf("job-%d", q.jobID)
}

// enqueue is a non-blocking send: a full queue logs and drops the
// message rather than blocking the request path. The worst case is a
// slightly stale key that periodic cleanup will catch.
func (q *OperationsQueue) enqueue(job *Job) {
	select {
	case q.jobs <- job:
	default:
		q.logger.WithField("job_type", job.Type).Warn("maintenance: operations queue full, dropping job")
	}
}

// EnqueueRevert implements limiter.RevertScheduler.
func (q *OperationsQueue) EnqueueRevert(rule limiter.Rule, key string) {
	q.enqueue(&Job{ID: q.nextID(), Type: JobRevert, Rule: rule, Key: key, CreatedAt: time.Now()})
}

// EnqueueDenialCleanup implements limiter.RevertScheduler. The cleanup
// is delayed to coincide with window expiry, relieving the store of a
// key that is about to go stale anyway.
func (q *OperationsQueue) EnqueueDenialCleanup(key string, delay time.Duration) {
	if delay <= 0 {
		delay = denialCleanupWait
	}
	job := &Job{ID: q.nextID(), Type: JobCleanup, Pattern: key, CreatedAt: time.Now()}
	time.AfterFunc(delay, func() { q.enqueue(job) })
}

// EnqueueReset enqueues an administrative reset.
func (q *OperationsQueue) EnqueueReset(key string) {
	q.enqueue(&Job{ID: q.nextID(), Type: JobReset, Key: key, CreatedAt: time.Now()})
}

func (q *OperationsQueue) process(job *Job) {
	q.mu.Lock()
	q.active++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
	}()

	err := q.run(job)
	if err == nil {
		q.recordCompleted(job)
		return
	}

	job.Attempts++
	if job.Attempts >= opsMaxAttempts {
		q.recordFailed(job, err)
		return
	}
	backoff := opsBaseBackoff * time.Duration(1<<uint(job.Attempts-1))
	q.logger.WithError(err).WithField("job_type", job.Type).WithField("attempt", job.Attempts).
		Warn("maintenance: job failed, retrying with backoff")
	time.AfterFunc(backoff, func() { q.enqueue(job) })
}

func (q *OperationsQueue) run(job *Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch job.Type {
	case JobRevert:
		q.cache.Revert(ctx, job.Key, job.Rule)
		return nil
	case JobReset:
		return q.cache.Reset(ctx, job.Key)
	case JobCleanup:
		_, err := q.store.Cleanup(ctx, job.Pattern)
		return err
	case JobIncrement:
		_, _, err := q.store.CheckAndIncrement(ctx, job.Key, job.Rule)
		return err
	default:
		return fmt.Errorf("maintenance: unknown job type %q", job.Type)
	}
}

func (q *OperationsQueue) recordCompleted(job *Job) {
	q.mu.Lock()
	q.completed = appendBounded(q.completed, JobResult{Job: *job, FinishedAt: time.Now()}, opsCompletedCap)
	q.mu.Unlock()
	q.metrics.RecordJob(string(job.Type), "completed")
}

func (q *OperationsQueue) recordFailed(job *Job, err error) {
	q.mu.Lock()
	q.failed = appendBounded(q.failed, JobResult{Job: *job, Err: err, FinishedAt: time.Now()}, opsFailedCap)
	q.mu.Unlock()
	q.metrics.RecordJob(string(job.Type), "failed")
}

func appendBounded(slice []JobResult, item JobResult, capacity int) []JobResult {
	slice = append(slice, item)
	if len(slice) > capacity {
		slice = slice[len(slice)-capacity:]
	}
	return slice
}

// Stats reports a queue's depth for the administrative queue-stats
// endpoint.
type Stats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

func (q *OperationsQueue) QueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   len(q.jobs),
		Active:    q.active,
		Completed: len(q.completed),
		Failed:    len(q.failed),
	}
}
