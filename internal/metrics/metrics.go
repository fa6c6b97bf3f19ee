// Package metrics exposes the gateway's Prometheus instrumentation:
// admission/denial counters, breaker state, and queue depth gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var registered = false

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total number of rate-limit decisions by rule and outcome.",
		},
		[]string{"rule", "allowed"},
	)

	decisionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimit_decision_duration_seconds",
			Help:    "Time to evaluate a rule against one request.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
		},
		[]string{"rule"},
	)

	storeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_store_operations_total",
			Help: "Total number of store operations by backend and status.",
		},
		[]string{"backend", "operation", "status"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratelimit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open).",
		},
		[]string{"breaker"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratelimit_queue_depth",
			Help: "Maintenance queue depth by queue and status.",
		},
		[]string{"queue", "status"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_maintenance_jobs_total",
			Help: "Total maintenance jobs processed by type and outcome.",
		},
		[]string{"job_type", "outcome"},
	)
)

// Register registers all gateway metrics with Prometheus. Idempotent.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(
		decisionsTotal,
		decisionLatency,
		storeOperations,
		breakerState,
		queueDepth,
		jobsTotal,
	)
	registered = true
}

// Collector records gateway metrics. The zero value is usable; callers
// that don't need metrics can pass a Collector around without nil checks.
type Collector struct{}

// RecordDecision records a rule's allow/deny outcome.
func (Collector) RecordDecision(rule string, allowed bool) {
	decisionsTotal.WithLabelValues(rule, boolLabel(allowed)).Inc()
}

// ObserveDecisionLatency records how long a rule evaluation took.
func (Collector) ObserveDecisionLatency(rule string, d time.Duration) {
	decisionLatency.WithLabelValues(rule).Observe(d.Seconds())
}

// RecordStoreOperation records a store call's backend and outcome.
func (Collector) RecordStoreOperation(backend, operation string, err error) {
	storeOperations.WithLabelValues(backend, operation, statusLabel(err)).Inc()
}

// SetBreakerState publishes the breaker's current state as a gauge.
func (Collector) SetBreakerState(breaker string, state int) {
	breakerState.WithLabelValues(breaker).Set(float64(state))
}

// SetQueueDepth publishes a maintenance queue's depth for one status
// bucket (waiting, active, completed, failed).
func (Collector) SetQueueDepth(queue, status string, depth int) {
	queueDepth.WithLabelValues(queue, status).Set(float64(depth))
}

// RecordJob records a maintenance job's terminal outcome.
func (Collector) RecordJob(jobType, outcome string) {
	jobsTotal.WithLabelValues(jobType, outcome).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// Timer measures and records a decision's evaluation latency.
type Timer struct {
	start     time.Time
	rule      string
	collector Collector
}

// NewTimer starts a timer for rule.
func (c Collector) NewTimer(rule string) *Timer {
	return &Timer{start: time.Now(), rule: rule, collector: c}
}

// Stop records the elapsed duration against the rule's histogram.
func (t *Timer) Stop() {
	t.collector.ObserveDecisionLatency(t.rule, time.Since(t.start))
}
