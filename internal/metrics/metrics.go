// Package metrics exposes the Prometheus instrumentation surface for the
// dynamic batching scheduler: queue depth, batch composition, dispatch
// latency and per-runner throughput.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelLevel     = "level"
	LabelRunner    = "runner"
	LabelReason    = "reason"
	LabelOutcome   = "outcome"
	LabelErrorType = "error_type"
)

// Outcome values used for LabelOutcome.
const (
	OutcomeDispatched = "dispatched"
	OutcomeTimeout    = "timeout"
	OutcomeRejected   = "rejected"
	OutcomeShutdown   = "shutdown"
)

// Metrics holds all Prometheus collectors registered by the scheduler.
type Metrics struct {
	QueueDepth prometheus.GaugeVec

	EnqueuedTotal prometheus.CounterVec
	RejectedTotal prometheus.CounterVec
	ExpiredTotal  prometheus.CounterVec

	QueueWaitDuration prometheus.HistogramVec

	BatchSize      prometheus.HistogramVec
	BatchFormation prometheus.HistogramVec

	ResponsesTotal prometheus.CounterVec

	RunnerBusy prometheus.GaugeVec
}

// New creates and registers the scheduler's metric collectors.
func New() *Metrics {
	return &Metrics{
		QueueDepth: *promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batch_scheduler_queue_depth",
				Help: "Number of requests currently waiting in a priority level",
			},
			[]string{LabelLevel},
		),
		EnqueuedTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_scheduler_enqueued_total",
				Help: "Total requests accepted into the queue",
			},
			[]string{LabelLevel},
		),
		RejectedTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_scheduler_rejected_total",
				Help: "Total requests rejected at enqueue time",
			},
			[]string{LabelLevel, LabelReason},
		),
		ExpiredTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_scheduler_expired_total",
				Help: "Total requests that timed out while queued",
			},
			[]string{LabelLevel},
		),
		QueueWaitDuration: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_scheduler_queue_wait_seconds",
				Help:    "Time a request spent queued before being dispatched",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{LabelLevel},
		),
		BatchSize: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_scheduler_batch_size",
				Help:    "Number of requests packed into each dispatched batch",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
			},
			[]string{LabelRunner},
		),
		BatchFormation: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_scheduler_batch_formation_seconds",
				Help:    "Time spent under the scheduler mutex forming a batch",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
			},
			[]string{LabelRunner},
		),
		ResponsesTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_scheduler_responses_total",
				Help: "Total responses delivered to sinks, by outcome",
			},
			[]string{LabelOutcome, LabelErrorType},
		),
		RunnerBusy: *promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batch_scheduler_runner_busy",
				Help: "1 if a runner currently has an in-flight batch, else 0",
			},
			[]string{LabelRunner},
		),
	}
}

// RecordEnqueue records a successful enqueue into level.
func (m *Metrics) RecordEnqueue(level string) {
	m.EnqueuedTotal.WithLabelValues(level).Inc()
}

// RecordReject records a rejection at enqueue time for reason ("queue_full",
// "validation").
func (m *Metrics) RecordReject(level, reason string) {
	m.RejectedTotal.WithLabelValues(level, reason).Inc()
}

// RecordExpired records a lazily-expired queued request.
func (m *Metrics) RecordExpired(level string) {
	m.ExpiredTotal.WithLabelValues(level).Inc()
	m.ResponsesTotal.WithLabelValues(OutcomeTimeout, "").Inc()
}

// RecordQueueWait records the time a dispatched request spent queued.
func (m *Metrics) RecordQueueWait(level string, d time.Duration) {
	m.QueueWaitDuration.WithLabelValues(level).Observe(d.Seconds())
}

// RecordBatch records the size and formation latency of a dispatched batch.
func (m *Metrics) RecordBatch(runner string, size int, formation time.Duration) {
	m.BatchSize.WithLabelValues(runner).Observe(float64(size))
	m.BatchFormation.WithLabelValues(runner).Observe(formation.Seconds())
	m.ResponsesTotal.WithLabelValues(OutcomeDispatched, "").Add(float64(size))
}

// RecordExecutorError records a response delivered with an executor error.
func (m *Metrics) RecordExecutorError(errType string) {
	m.ResponsesTotal.WithLabelValues("executor_error", errType).Inc()
}

// RecordShutdown records a response delivered because the scheduler is
// tearing down.
func (m *Metrics) RecordShutdown(count int) {
	m.ResponsesTotal.WithLabelValues(OutcomeShutdown, "").Add(float64(count))
}

// SetQueueDepth sets the current pending count for level.
func (m *Metrics) SetQueueDepth(level string, depth int) {
	m.QueueDepth.WithLabelValues(level).Set(float64(depth))
}

// SetRunnerBusy marks whether runner currently owns an in-flight batch.
func (m *Metrics) SetRunnerBusy(runner string, busy bool) {
	v := 0.0
	if busy {
		v = 1.0
	}
	m.RunnerBusy.WithLabelValues(runner).Set(v)
}

// Default is the process-wide metrics instance, mirroring the singleton
// pattern used by the rest of the ambient stack.
var Default = New()
