package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so library components can be used without a registry.
type Metrics struct {
	// Ingest metrics
	OperationsSubmitted *prometheus.CounterVec
	OperationsRejected  *prometheus.CounterVec
	QueueBytes          prometheus.Gauge
	BatchesDelivered    *prometheus.CounterVec
	BatchRuns           prometheus.Histogram
	BatchDuration       *prometheus.HistogramVec

	// Caller metrics
	Attempts *prometheus.CounterVec
	Retries  prometheus.Counter

	// Evaluation metrics
	EvalActive *prometheus.GaugeVec
	EvalTasks  *prometheus.CounterVec

	// HTTP server metrics (fake backend)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	snapshot Snapshot
	mu       sync.Mutex
}

// Snapshot holds plain counters for CLI summaries.
type Snapshot struct {
	Submitted      int64
	Rejected       int64
	BatchesOK      int64
	BatchesFailed  int64
	RunsDelivered  int64
	Retries        int64
	QueueBytes     int64
	HTTPRequests   int64
	HTTPErrorCount int64
}

// NewMetrics registers all collectors with reg. Passing a fresh
// prometheus.NewRegistry() keeps instances isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		OperationsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtrace_operations_submitted_total",
				Help: "Run create/update operations admitted to the ingest queue",
			},
			[]string{"kind"},
		),
		OperationsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtrace_operations_rejected_total",
				Help: "Run operations rejected at admission",
			},
			[]string{"reason"},
		),
		QueueBytes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "runtrace_queue_bytes",
				Help: "Estimated bytes of queued and in-flight operations",
			},
		),
		BatchesDelivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtrace_batches_total",
				Help: "Batches delivered to the backend by outcome",
			},
			[]string{"mode", "outcome"},
		),
		BatchRuns: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "runtrace_batch_operations",
				Help:    "Operations per delivered batch after coalescing",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		BatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runtrace_batch_duration_seconds",
				Help:    "Batch delivery duration including retries",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"mode"},
		),
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtrace_caller_attempts_total",
				Help: "Caller attempts by outcome",
			},
			[]string{"outcome"},
		),
		Retries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "runtrace_caller_retries_total",
				Help: "Caller retries scheduled",
			},
		),
		EvalActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runtrace_eval_active",
				Help: "Evaluation tasks currently executing by stage",
			},
			[]string{"stage"},
		),
		EvalTasks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtrace_eval_tasks_total",
				Help: "Evaluation tasks finished by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtrace_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runtrace_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
	}
}

// RecordSubmitted records an admitted operation of kind ("create"/"update")
func (m *Metrics) RecordSubmitted(kind string, queueBytes int64) {
	if m == nil {
		return
	}
	m.OperationsSubmitted.WithLabelValues(kind).Inc()
	m.QueueBytes.Set(float64(queueBytes))

	m.mu.Lock()
	m.snapshot.Submitted++
	m.snapshot.QueueBytes = queueBytes
	m.mu.Unlock()
}

// RecordRejected records an operation refused at admission
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.OperationsRejected.WithLabelValues(reason).Inc()

	m.mu.Lock()
	m.snapshot.Rejected++
	m.mu.Unlock()
}

// SetQueueBytes updates the outstanding queue size
func (m *Metrics) SetQueueBytes(n int64) {
	if m == nil {
		return
	}
	m.QueueBytes.Set(float64(n))

	m.mu.Lock()
	m.snapshot.QueueBytes = n
	m.mu.Unlock()
}

// RecordBatch records one delivered or failed batch
func (m *Metrics) RecordBatch(mode string, ops int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.BatchesDelivered.WithLabelValues(mode, outcome).Inc()
	m.BatchDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if err == nil {
		m.BatchRuns.Observe(float64(ops))
	}

	m.mu.Lock()
	if err != nil {
		m.snapshot.BatchesFailed++
	} else {
		m.snapshot.BatchesOK++
		m.snapshot.RunsDelivered += int64(ops)
	}
	m.mu.Unlock()
}

// RecordAttempt records one caller attempt ("success", "retry", "failure", "abort")
func (m *Metrics) RecordAttempt(outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
	if outcome != "retry" {
		return
	}
	m.Retries.Inc()

	m.mu.Lock()
	m.snapshot.Retries++
	m.mu.Unlock()
}

// EvalStarted marks an evaluation task as executing in stage
func (m *Metrics) EvalStarted(stage string) {
	if m == nil {
		return
	}
	m.EvalActive.WithLabelValues(stage).Inc()
}

// EvalFinished marks an evaluation task in stage as done
func (m *Metrics) EvalFinished(stage string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.EvalActive.WithLabelValues(stage).Dec()
	m.EvalTasks.WithLabelValues(stage, outcome).Inc()
}

// RecordHTTPRequest records an HTTP request served by the fake backend
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.HTTPRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.HTTPErrorCount++
	}
	m.mu.Unlock()
}

// Snapshot returns a copy of the plain counters
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}
