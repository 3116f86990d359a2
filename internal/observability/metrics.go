package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coderun"

// MetricsCollector holds all Prometheus metrics for coderun.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	ExecutionsTotal          *prometheus.CounterVec
	ExecutionDuration        *prometheus.HistogramVec
	AdmissionRejectionsTotal *prometheus.CounterVec

	// Analyzer metrics.
	AnalysisVerdictsTotal *prometheus.CounterVec
	AnalysisDuration      prometheus.Histogram

	// Tool metrics.
	ToolCallsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total admitted executions by terminal state.",
		}, []string{"language", "state"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of admitted executions in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"language"}),

		AdmissionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "admission_rejections_total",
			Help:      "Total execution requests rejected before a process was spawned.",
		}, []string{"reason"}),

		AnalysisVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "verdicts_total",
			Help:      "Total static analysis verdicts.",
		}, []string{"verdict"}),

		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "duration_seconds",
			Help:      "Static analysis duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool invocations.",
		}, []string{"tool", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.AdmissionRejectionsTotal,
		m.AnalysisVerdictsTotal,
		m.AnalysisDuration,
		m.ToolCallsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// TrackActiveExecutions exposes the number of held execution slots as a gauge
// read from active at scrape time.
func (m *MetricsCollector) TrackActiveExecutions(active func() int) {
	if m == nil || active == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_executions",
		Help:      "Number of executions currently holding a slot.",
	}, func() float64 { return float64(active()) }))
}

// RecordToolCall counts one tool invocation. Safe on a nil collector.
func (m *MetricsCollector) RecordToolCall(tool string, failed bool) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}
