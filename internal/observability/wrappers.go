package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/coderun/internal/analyzer"
	"github.com/jkaninda/coderun/internal/sandbox"
)

// InstrumentedExecutor wraps a sandbox.Executor with metrics and tracing.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedExecutor wraps an executor. metrics and ts may be nil.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{inner: inner, metrics: metrics, tracer: tracer}
}

func (e *InstrumentedExecutor) ExecuteCode(ctx context.Context, code string, lang sandbox.Language) (*sandbox.ExecutionResult, error) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.language", string(lang)),
				attribute.Int("sandbox.code_bytes", len(code)),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := e.inner.ExecuteCode(ctx, code, lang)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if e.metrics != nil {
			e.metrics.AdmissionRejectionsTotal.WithLabelValues(RejectionReason(err)).Inc()
		}
		return res, err
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("sandbox.execution_id", res.ID),
			attribute.String("sandbox.state", string(res.State)),
			attribute.Int("sandbox.exit_code", res.ExitCode),
		)
		if res.State != sandbox.StateCompleted {
			span.SetStatus(codes.Error, res.Error)
		}
	}
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(lang), string(res.State)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(string(lang)).Observe(elapsed)
	}
	return res, nil
}

// RejectionReason maps an admission error onto a low-cardinality label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrConcurrencyLimit):
		return "concurrency_limit"
	case errors.Is(err, sandbox.ErrCodeTooLong):
		return "code_too_long"
	case errors.Is(err, sandbox.ErrSecurityCheckFailed):
		return "security_check"
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return "unsupported_language"
	default:
		return "other"
	}
}

// InstrumentedAnalyzer wraps the static analyzer with metrics and tracing.
type InstrumentedAnalyzer struct {
	inner   sandbox.CodeAnalyzer
	metrics *MetricsCollector
	tracer  trace.Tracer
}

func NewInstrumentedAnalyzer(inner sandbox.CodeAnalyzer, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedAnalyzer {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAnalyzer{inner: inner, metrics: metrics, tracer: tracer}
}

func (a *InstrumentedAnalyzer) Analyze(ctx context.Context, code string) analyzer.Result {
	var span trace.Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "analyzer.analyze",
			trace.WithAttributes(attribute.Int("analyzer.code_bytes", len(code))))
		defer span.End()
	}

	start := time.Now()
	res := a.inner.Analyze(ctx, code)
	elapsed := time.Since(start).Seconds()

	verdict := "safe"
	if !res.Safe {
		verdict = "unsafe"
	}
	if span != nil {
		span.SetAttributes(
			attribute.Bool("analyzer.safe", res.Safe),
			attribute.Int("analyzer.issues", len(res.Issues)),
			attribute.Int("analyzer.warnings", len(res.Warnings)),
		)
	}
	if a.metrics != nil {
		a.metrics.AnalysisVerdictsTotal.WithLabelValues(verdict).Inc()
		a.metrics.AnalysisDuration.Observe(elapsed)
	}
	return res
}

var (
	_ sandbox.Executor     = (*InstrumentedExecutor)(nil)
	_ sandbox.CodeAnalyzer = (*InstrumentedAnalyzer)(nil)
)
