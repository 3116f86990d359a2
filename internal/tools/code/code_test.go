package code

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/coderun/internal/analyzer"
	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/security"
	"github.com/jkaninda/coderun/internal/storage"
	"github.com/jkaninda/coderun/internal/tools"
)

type stubExecutor struct {
	res  *sandbox.ExecutionResult
	err  error
	got  string
	lang sandbox.Language
}

func (s *stubExecutor) ExecuteCode(_ context.Context, code string, lang sandbox.Language) (*sandbox.ExecutionResult, error) {
	s.got, s.lang = code, lang
	return s.res, s.err
}

type stubAnalyzer struct{ res analyzer.Result }

func (s *stubAnalyzer) Analyze(context.Context, string) analyzer.Result { return s.res }

type stubInfo struct {
	active int
	cfg    sandbox.Config
}

func (s *stubInfo) ActiveCount() int       { return s.active }
func (s *stubInfo) Config() sandbox.Config { return s.cfg }

type memAuditor struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (m *memAuditor) LogAction(_ context.Context, ev security.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

type memStore struct {
	mu   sync.Mutex
	recs []storage.Execution
	err  error
}

func (m *memStore) Save(_ context.Context, rec *storage.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, *rec)
	return nil
}

func (m *memStore) Recent(context.Context, int) ([]storage.Execution, error) { return m.recs, nil }

func (m *memStore) Stats(context.Context) (storage.Stats, error) {
	if m.err != nil {
		return storage.Stats{}, m.err
	}
	st := storage.Stats{ByResult: map[string]int64{}, ByLanguage: map[string]int64{}}
	for _, r := range m.recs {
		st.Total++
		st.ByResult[r.Result]++
	}
	return st, nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }
func (m *memStore) Driver() string             { return "memory" }

type fixture struct {
	reg      *tools.Registry
	exec     *stubExecutor
	analyzer *stubAnalyzer
	info     *stubInfo
	audit    *memAuditor
	history  *memStore
}

func newFixture() *fixture {
	f := &fixture{
		reg:      tools.NewRegistry(),
		exec:     &stubExecutor{},
		analyzer: &stubAnalyzer{res: analyzer.Result{Safe: true, Issues: []string{}, Warnings: []string{}}},
		info: &stubInfo{cfg: sandbox.Config{
			MaxConcurrentExecutions: 3,
			Timeout:                 30 * time.Second,
			EnableAnalysis:          true,
			MaxCodeLengthBytes:      50000,
		}},
		audit:   &memAuditor{},
		history: &memStore{},
	}
	Register(f.reg, Deps{
		Executor: f.exec,
		Analyzer: f.analyzer,
		Sandbox:  f.info,
		Auditor:  f.audit,
		History:  f.history,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func TestRegister_Names(t *testing.T) {
	f := newFixture()
	want := "execute-javascript,execute-typescript,server-status,validate-code"
	if got := strings.Join(f.reg.List(), ","); got != want {
		t.Errorf("tools = %s, want %s", got, want)
	}
}

func TestExecute_FormatsResult(t *testing.T) {
	tests := []struct {
		name    string
		res     sandbox.ExecutionResult
		want    string
		success bool
		result  string
	}{
		{
			name:    "output only",
			res:     sandbox.ExecutionResult{ID: "exec_1", Output: "Hello\n", State: sandbox.StateCompleted, ExecutionTimeMs: 42},
			want:    "Output:\nHello\n\n\nExecution time: 42ms",
			success: true,
			result:  security.ResultSuccess,
		},
		{
			name:   "error only",
			res:    sandbox.ExecutionResult{ID: "exec_2", Error: "boom\n", State: sandbox.StateFailed, ExitCode: 1, ExecutionTimeMs: 7},
			want:   "Error:\nboom\n\n\nExecution time: 7ms",
			result: security.ResultFailure,
		},
		{
			name:   "timeout with partial output",
			res:    sandbox.ExecutionResult{ID: "exec_3", Output: "tick", Error: "Execution timeout after 30000ms", State: sandbox.StateTimedOut, ExitCode: -1, ExecutionTimeMs: 30000},
			want:   "Output:\ntick\nError:\nExecution timeout after 30000ms\n\nExecution time: 30000ms",
			result: security.ResultTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			res := tt.res
			f.exec.res = &res

			ctx := tools.WithCaller(context.Background(), "mcp", "stdio")
			out, err := f.reg.Call(ctx, "execute-javascript", map[string]any{"code": "console.log('Hello')"})
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if out.Output != tt.want {
				t.Errorf("output = %q, want %q", out.Output, tt.want)
			}
			if out.Success != tt.success {
				t.Errorf("success = %v, want %v", out.Success, tt.success)
			}
			if f.exec.lang != sandbox.JavaScript || f.exec.got != "console.log('Hello')" {
				t.Errorf("executor got %q/%q", f.exec.lang, f.exec.got)
			}

			if len(f.audit.events) != 1 {
				t.Fatalf("audit events = %d, want 1", len(f.audit.events))
			}
			ev := f.audit.events[0]
			if ev.Result != tt.result || ev.ExecutionID != tt.res.ID || ev.Source != "mcp" || ev.Caller != "stdio" {
				t.Errorf("audit event = %+v", ev)
			}
			if len(f.history.recs) != 1 || f.history.recs[0].ExitCode != tt.res.ExitCode {
				t.Errorf("history = %+v", f.history.recs)
			}
		})
	}
}

func TestExecute_AdmissionRejection(t *testing.T) {
	f := newFixture()
	f.exec.err = &sandbox.SecurityError{Issues: []string{"Use of eval() is not allowed", "Dangerous module import: fs"}}

	out, err := f.reg.Call(context.Background(), "execute-typescript", map[string]any{"code": "eval('1')"})
	if err != nil {
		t.Fatalf("rejection should be rendered, not returned: %v", err)
	}
	want := "Execution failed: Security check failed: Use of eval() is not allowed, Dangerous module import: fs"
	if out.Output != want {
		t.Errorf("output = %q, want %q", out.Output, want)
	}
	if out.Success {
		t.Error("rejection must not report success")
	}
	if f.exec.lang != sandbox.TypeScript {
		t.Errorf("language = %q, want typescript", f.exec.lang)
	}
	if ev := f.audit.events[0]; ev.Result != security.ResultDenied || ev.ExecutionID != "" {
		t.Errorf("audit event = %+v", ev)
	}
}

func TestExecute_ConcurrencyLimitText(t *testing.T) {
	f := newFixture()
	f.exec.err = sandbox.ErrConcurrencyLimit

	out, _ := f.reg.Call(context.Background(), "execute-javascript", map[string]any{"code": "1"})
	if out.Output != "Execution failed: maximum concurrent executions reached, please try again later" {
		t.Errorf("output = %q", out.Output)
	}
}

func TestExecute_MissingCode(t *testing.T) {
	f := newFixture()
	if _, err := f.reg.Call(context.Background(), "execute-javascript", map[string]any{"code": 12}); !errors.Is(err, tools.ErrInvalidParams) {
		t.Errorf("err = %v, want ErrInvalidParams", err)
	}
	if len(f.audit.events) != 0 {
		t.Error("invalid params must not reach the audit log")
	}
}

func TestValidate(t *testing.T) {
	f := newFixture()
	f.analyzer.res = analyzer.Result{
		Safe:     false,
		Issues:   []string{"Use of eval() is not allowed"},
		Warnings: []string{"Potentially unsafe property access: process.env"},
	}

	out, err := f.reg.Call(context.Background(), "validate-code", map[string]any{"code": "eval(process.env.X)", "language": "js"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	want := "Security validation: issues found\n" +
		"\nIssues:\n1. Use of eval() is not allowed\n" +
		"\nWarnings:\n1. Potentially unsafe property access: process.env\n"
	if out.Output != want {
		t.Errorf("output = %q, want %q", out.Output, want)
	}
	if out.Success {
		t.Error("unsafe verdict must not report success")
	}
	if ev := f.audit.events[0]; ev.Tool != "validate-code" || ev.Language != "javascript" || ev.Result != security.ResultDenied {
		t.Errorf("audit event = %+v", ev)
	}
}

func TestValidate_SafeAndTooLong(t *testing.T) {
	f := newFixture()
	out, _ := f.reg.Call(context.Background(), "validate-code", map[string]any{"code": "const x = 1"})
	if out.Output != "Security validation: code is safe to execute\n" || !out.Success {
		t.Errorf("safe output = %q", out.Output)
	}

	f.info.cfg.MaxCodeLengthBytes = 4
	out, _ = f.reg.Call(context.Background(), "validate-code", map[string]any{"code": "12345"})
	if out.Success || !strings.Contains(out.Output, "code length exceeds maximum allowed size of 4 bytes") {
		t.Errorf("too-long output = %q", out.Output)
	}
}

func TestValidate_BadLanguage(t *testing.T) {
	f := newFixture()
	if _, err := f.reg.Call(context.Background(), "validate-code", map[string]any{"code": "x", "language": "python"}); !errors.Is(err, tools.ErrInvalidParams) {
		t.Errorf("err = %v, want ErrInvalidParams", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture()
	f.info.active = 2
	f.history.recs = []storage.Execution{{Result: "success"}, {Result: "timeout"}, {Result: "denied"}}

	out, err := f.reg.Call(context.Background(), "server-status", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	want := "Server Status:\n" +
		"- Active executions: 2/3\n" +
		"- Security sandbox: enabled\n" +
		"- Execution timeout: 30000ms\n" +
		"- Max code length: 50000 bytes\n" +
		"- Recorded calls: 3 (success 1, failure 0, timeout 1, denied 1)"
	if out.Output != want {
		t.Errorf("output =\n%s\nwant\n%s", out.Output, want)
	}
}

func TestStatus_NoHistory(t *testing.T) {
	info := &stubInfo{cfg: sandbox.Config{MaxConcurrentExecutions: 1, Timeout: time.Second, MaxCodeLengthBytes: 10}}
	out, err := NewStatusTool(info, nil).Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Output, "- Security sandbox: disabled") || strings.Contains(out.Output, "Recorded calls") {
		t.Errorf("output = %q", out.Output)
	}
}
