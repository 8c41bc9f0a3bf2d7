package metrics

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	JobReasonDeadlineExceeded = "deadline_exceeded"
	JobReasonValidation       = "validation"
	JobReasonConnection       = "connection_unavailable"
	JobReasonBusinessRule     = "business_rule"
	JobReasonUnknown          = "unknown"
)

const (
	JobStageSweep     = "sweep"
	JobStageReconcile = "reconcile"
	JobStageNotify    = "notify"
	JobStageDiscovery = "tenant_discovery"
)

// JobMetrics captures reconciliation job health signals.
type JobMetrics struct {
	cycleRuns      *prometheus.CounterVec
	cycleDuration  prometheus.Observer
	tenantRuns     *prometheus.CounterVec
	tenantErrors   *prometheus.CounterVec
	failureStreak  prometheus.Gauge
	pausedGauge    prometheus.Gauge
	runLoopLag     prometheus.Observer
	sweepProcessed prometheus.Counter
}

var (
	jobMetricsOnce sync.Once
	jobMetrics     *JobMetrics
)

// Job returns the singleton job metrics registry.
func Job() *JobMetrics {
	return JobWithConfig(Config{})
}

// JobWithConfig returns the singleton job metrics registry using config labels.
func JobWithConfig(cfg Config) *JobMetrics {
	jobMetricsOnce.Do(func() {
		jobMetrics = newJobMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return jobMetrics
}

// ResetJobMetricsForTest resets the job metrics singleton for tests.
func ResetJobMetricsForTest() {
	jobMetricsOnce = sync.Once{}
	jobMetrics = nil
}

func newJobMetrics(registerer prometheus.Registerer, cfg Config) *JobMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "revrec"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	cycleRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revrec_job_cycles_total",
		Help:        "Reconciliation job cycles by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "revrec_job_cycle_duration_seconds",
		Help:        "Reconciliation cycle latency to protect batch freshness.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	})
	tenantRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revrec_job_tenant_runs_total",
		Help:        "Per-tenant reconciliation executions by stage.",
		ConstLabels: constLabels,
	}, []string{"stage"})
	tenantErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "revrec_job_tenant_errors_total",
		Help:        "Per-tenant reconciliation failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"stage", "reason"})
	failureStreak := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "revrec_job_consecutive_failures",
		Help:        "Consecutive failed cycles; reaching the limit pauses the job.",
		ConstLabels: constLabels,
	})
	pausedGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "revrec_job_paused",
		Help:        "1 when the job is paused for failure backoff.",
		ConstLabels: constLabels,
	})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "revrec_job_runloop_lag_seconds",
		Help:        "Job run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	sweepProcessed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "revrec_job_sweep_schedules_total",
		Help:        "Schedules recognized by the due-schedule sweep.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		cycleRuns,
		cycleDuration,
		tenantRuns,
		tenantErrors,
		failureStreak,
		pausedGauge,
		runLoopLag,
		sweepProcessed,
	)

	return &JobMetrics{
		cycleRuns:      cycleRuns,
		cycleDuration:  cycleDuration,
		tenantRuns:     tenantRuns,
		tenantErrors:   tenantErrors,
		failureStreak:  failureStreak,
		pausedGauge:    pausedGauge,
		runLoopLag:     runLoopLag,
		sweepProcessed: sweepProcessed,
	}
}

func (m *JobMetrics) IncCycle(outcome string) {
	if m == nil {
		return
	}
	m.cycleRuns.WithLabelValues(outcome).Inc()
}

func (m *JobMetrics) ObserveCycleDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

func (m *JobMetrics) IncTenantRun(stage string) {
	if m == nil {
		return
	}
	m.tenantRuns.WithLabelValues(stage).Inc()
}

func (m *JobMetrics) IncTenantError(stage string, err error) {
	if m == nil {
		return
	}
	m.tenantErrors.WithLabelValues(stage, ClassifyJobReason(err)).Inc()
}

func (m *JobMetrics) SetFailureStreak(n int) {
	if m == nil {
		return
	}
	m.failureStreak.Set(float64(n))
}

func (m *JobMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pausedGauge.Set(1)
		return
	}
	m.pausedGauge.Set(0)
}

func (m *JobMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(lag.Seconds())
}

func (m *JobMetrics) AddSweepProcessed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepProcessed.Add(float64(n))
}

// ClassifyJobReason maps an error to a low-cardinality reason label.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	type deadliner interface{ Timeout() bool }
	var d deadliner
	switch {
	case errors.As(err, &d) && d.Timeout():
		return JobReasonDeadlineExceeded
	case strings.Contains(err.Error(), "context deadline exceeded"):
		return JobReasonDeadlineExceeded
	case strings.Contains(err.Error(), "connection"):
		return JobReasonConnection
	case strings.Contains(err.Error(), "invalid"), strings.Contains(err.Error(), "missing"):
		return JobReasonValidation
	default:
		return JobReasonBusinessRule
	}
}
