package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job names.
const (
	JobSyncPending   = "sync_pending"
	JobCacheRefresh  = "cache_refresh"
	JobRequeueFailed = "requeue_failed"
)

// Sale outcomes recorded per delivered, failed or deferred offline sale.
const (
	OutcomeSynced   = "synced"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
)

// Metrics exposes Prometheus collectors for sync and refresh runs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sales    *prometheus.CounterVec
	queue    *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against registerer, or against the
// default Prometheus registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker instruments a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts a tracker for job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records duration and success or failure, returning err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// Skip records a run that did not execute because another pass held the gate.
func (t *Tracker) Skip() {
	if t == nil || t.metrics == nil || t.job == "" {
		return
	}
	t.metrics.runs.WithLabelValues(t.job, "skipped").Inc()
}

// AddSales counts offline sales by outcome.
func (m *Metrics) AddSales(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sales.WithLabelValues(outcome).Add(float64(n))
}

// SetQueueDepth publishes the number of queued sales in status.
func (m *Metrics) SetQueueDepth(status string, n int) {
	if m == nil {
		return
	}
	m.queue.WithLabelValues(status).Set(float64(n))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	sales := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_offline_sales_total",
		Help: "Offline sales processed by sync passes, by outcome.",
	}, []string{"outcome"})
	queue := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pos_offline_queue",
		Help: "Offline sales currently stored locally, by status.",
	}, []string{"status"})
	registerer.MustRegister(runs, failures, duration, sales, queue)
	return &Metrics{runs: runs, failures: failures, duration: duration, sales: sales, queue: queue}
}
