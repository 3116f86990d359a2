package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/coderun/internal/analyzer"
	"github.com/jkaninda/coderun/internal/config"
	"github.com/jkaninda/coderun/internal/sandbox"
)

// --- Construction ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil {
		t.Error("metrics and tracing should be disabled for nil config")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Fatal("expected metrics collector")
	}
	if obs.TracerOrNil() != nil {
		t.Error("tracer should be nil when not enabled")
	}
}

func TestObservability_NilSafe(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		t.Error("nil Observability should expose nil components")
	}
}

func TestTracerSetup_NilYieldsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "noop")
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("expected a non-recording span from a nil setup")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Names(t *testing.T) {
	m := NewMetricsCollector()
	m.ExecutionsTotal.WithLabelValues("javascript", "completed").Inc()
	m.AdmissionRejectionsTotal.WithLabelValues("code_too_long").Inc()
	m.AnalysisVerdictsTotal.WithLabelValues("safe").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/status", "200").Inc()
	m.TrackActiveExecutions(func() int { return 2 })

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		names[f.GetName()] = f
	}
	for _, want := range []string{
		"coderun_sandbox_executions_total",
		"coderun_sandbox_admission_rejections_total",
		"coderun_analyzer_verdicts_total",
		"coderun_http_requests_total",
		"coderun_active_executions",
	} {
		if names[want] == nil {
			t.Errorf("metric %q not found in registry", want)
		}
	}
	if f := names["coderun_active_executions"]; f != nil {
		if got := f.GetMetric()[0].GetGauge().GetValue(); got != 2 {
			t.Errorf("active_executions = %v, want 2", got)
		}
	}
}

func TestRecordToolCall(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordToolCall("execute-javascript", false)
	m.RecordToolCall("execute-javascript", true)
	m.RecordToolCall("execute-javascript", true)

	if v := counterValue(t, m.Registry, "coderun_tool_calls_total", prometheus.Labels{"tool": "execute-javascript", "status": "error"}); v != 2 {
		t.Errorf("error calls = %v, want 2", v)
	}

	var nilCollector *MetricsCollector
	nilCollector.RecordToolCall("x", false)
	nilCollector.TrackActiveExecutions(func() int { return 0 })
}

// --- Health ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if s := h.CheckReady(context.Background()); !s.Ready() || s.Checks != nil {
		t.Errorf("status = %+v, want ok with no checks", s)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(context.Context) error { return nil })
	h.AddCheck("runtime", func(context.Context) error { return errors.New("node not found") })

	s := h.CheckReady(context.Background())
	if s.Ready() {
		t.Fatal("expected degraded status")
	}
	if s.Checks["store"].Status != "ok" {
		t.Errorf("store = %+v", s.Checks["store"])
	}
	if got := s.Checks["runtime"]; got.Status != "fail" || got.Message != "node not found" {
		t.Errorf("runtime = %+v", got)
	}
}

func TestHealthChecker_ReplaceCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(context.Context) error { return errors.New("down") })
	h.AddCheck("store", func(context.Context) error { return nil })

	s := h.CheckReady(context.Background())
	if !s.Ready() || len(s.Checks) != 1 {
		t.Errorf("status = %+v, want single passing check", s)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("always_fail", func(context.Context) error { return errors.New("fail") })
	if s := h.CheckHealth(); s.Status != "ok" {
		t.Errorf("liveness = %q, want ok", s.Status)
	}
}

func TestRuntimeCheck(t *testing.T) {
	if err := RuntimeCheck("sh")(context.Background()); err != nil {
		t.Skipf("sh not on PATH: %v", err)
	}
	if err := RuntimeCheck("definitely-not-a-runtime-xyz")(context.Background()); err == nil {
		t.Error("expected missing runtime to fail")
	}
}

func TestDirWritableCheck(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	if err := DirWritableCheck(dir)(context.Background()); err != nil {
		t.Fatalf("writable dir: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}

	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := DirWritableCheck(file)(context.Background()); err == nil {
		t.Error("expected a regular file to fail the check")
	}
}

// --- Wrappers ---

type stubExecutor struct {
	res *sandbox.ExecutionResult
	err error
}

func (s *stubExecutor) ExecuteCode(context.Context, string, sandbox.Language) (*sandbox.ExecutionResult, error) {
	return s.res, s.err
}

type stubAnalyzer struct{ res analyzer.Result }

func (s *stubAnalyzer) Analyze(context.Context, string) analyzer.Result { return s.res }

func recordingTracer() (*TracerSetup, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	return newTracerSetup("test", sdktrace.WithSpanProcessor(rec)), rec
}

func TestInstrumentedExecutor_Completed(t *testing.T) {
	metrics := NewMetricsCollector()
	ts, rec := recordingTracer()
	inner := &stubExecutor{res: &sandbox.ExecutionResult{
		ID: "exec_1", Language: sandbox.JavaScript, State: sandbox.StateCompleted, Output: "hi\n",
	}}

	res, err := NewInstrumentedExecutor(inner, metrics, ts).ExecuteCode(context.Background(), "console.log('hi')", sandbox.JavaScript)
	if err != nil || res.ID != "exec_1" {
		t.Fatalf("ExecuteCode = %+v, %v", res, err)
	}

	if v := counterValue(t, metrics.Registry, "coderun_sandbox_executions_total", prometheus.Labels{"language": "javascript", "state": "completed"}); v != 1 {
		t.Errorf("executions = %v, want 1", v)
	}
	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "sandbox.execute" {
		t.Fatalf("spans = %v, want one sandbox.execute", spans)
	}
}

func TestInstrumentedExecutor_Rejection(t *testing.T) {
	tests := []struct {
		err    error
		reason string
	}{
		{sandbox.ErrConcurrencyLimit, "concurrency_limit"},
		{fmt.Errorf("%w of 10 bytes", sandbox.ErrCodeTooLong), "code_too_long"},
		{&sandbox.SecurityError{Issues: []string{"Use of eval() is not allowed"}}, "security_check"},
		{sandbox.ErrUnsupportedLanguage, "unsupported_language"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			metrics := NewMetricsCollector()
			ex := NewInstrumentedExecutor(&stubExecutor{err: tt.err}, metrics, nil)
			if _, err := ex.ExecuteCode(context.Background(), "x", sandbox.JavaScript); !errors.Is(err, tt.err) {
				t.Fatalf("error = %v, want %v", err, tt.err)
			}
			if v := counterValue(t, metrics.Registry, "coderun_sandbox_admission_rejections_total", prometheus.Labels{"reason": tt.reason}); v != 1 {
				t.Errorf("rejections{%s} = %v, want 1", tt.reason, v)
			}
		})
	}
}

func TestInstrumentedExecutor_NilMetrics(t *testing.T) {
	inner := &stubExecutor{res: &sandbox.ExecutionResult{State: sandbox.StateTimedOut}}
	if _, err := NewInstrumentedExecutor(inner, nil, nil).ExecuteCode(context.Background(), "x", sandbox.TypeScript); err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
}

func TestInstrumentedAnalyzer(t *testing.T) {
	metrics := NewMetricsCollector()
	ts, rec := recordingTracer()
	inner := &stubAnalyzer{res: analyzer.Result{Safe: false, Issues: []string{"Use of eval() is not allowed"}}}

	res := NewInstrumentedAnalyzer(inner, metrics, ts).Analyze(context.Background(), "eval('1')")
	if res.Safe {
		t.Fatal("verdict should pass through unchanged")
	}
	if v := counterValue(t, metrics.Registry, "coderun_analyzer_verdicts_total", prometheus.Labels{"verdict": "unsafe"}); v != 1 {
		t.Errorf("unsafe verdicts = %v, want 1", v)
	}
	if spans := rec.Ended(); len(spans) != 1 || spans[0].Name() != "analyzer.analyze" {
		t.Errorf("spans = %v, want one analyzer.analyze", spans)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
