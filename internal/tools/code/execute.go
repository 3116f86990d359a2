package code

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/security"
	"github.com/jkaninda/coderun/internal/tools"
)

// ExecuteTool runs code in one language through the sandbox.
type ExecuteTool struct {
	lang     sandbox.Language
	executor sandbox.Executor
	journal  *journal
	logger   *slog.Logger
}

func newExecuteTool(lang sandbox.Language, executor sandbox.Executor, j *journal, logger *slog.Logger) *ExecuteTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecuteTool{lang: lang, executor: executor, journal: j, logger: logger}
}

func (t *ExecuteTool) Name() string { return "execute-" + string(t.lang) }

func (t *ExecuteTool) Description() string {
	return fmt.Sprintf("Execute %s code with security validation", displayName(t.lang))
}

func (t *ExecuteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": displayName(t.lang) + " code to execute",
			},
		},
		"required": []string{"code"},
	}
}

func (t *ExecuteTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "code")
	return err
}

// Execute runs params["code"]. Admission rejections come back as a failed
// Result reading "Execution failed: <reason>", never as an error.
func (t *ExecuteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	code, err := tools.RequireString(params, "code")
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "execution requested",
		slog.String("tool", t.Name()),
		slog.Int("code_bytes", len(code)),
	)

	ev := security.NewAuditEvent(t.Name(), string(t.lang), code)
	start := time.Now()
	res, err := t.executor.ExecuteCode(ctx, code, t.lang)
	if err != nil {
		t.logger.WarnContext(ctx, "execution failed",
			slog.String("tool", t.Name()),
			slog.String("error", err.Error()),
		)
		ev.Result = security.ResultDenied
		ev.Error = err.Error()
		ev.DurationMs = time.Since(start).Milliseconds()
		t.journal.record(ctx, ev, -1)

		return &tools.Result{
			Output:   "Execution failed: " + err.Error(),
			Success:  false,
			Metadata: map[string]any{"language": string(t.lang), "rejected": true},
		}, nil
	}

	ev.ExecutionID = res.ID
	ev.Result = stateResult(res.State)
	ev.Error = res.Error
	ev.DurationMs = res.ExecutionTimeMs
	t.journal.record(ctx, ev, res.ExitCode)

	return &tools.Result{
		Output:  FormatExecution(res),
		Success: res.State == sandbox.StateCompleted,
		Metadata: map[string]any{
			"execution_id":      res.ID,
			"language":          string(res.Language),
			"state":             string(res.State),
			"exit_code":         res.ExitCode,
			"execution_time_ms": res.ExecutionTimeMs,
		},
	}, nil
}

// FormatExecution renders a result as the text block returned to callers:
// an Output section, an Error section, then the execution time.
func FormatExecution(res *sandbox.ExecutionResult) string {
	var b strings.Builder
	if res.Output != "" {
		fmt.Fprintf(&b, "Output:\n%s\n", res.Output)
	}
	if res.Error != "" {
		fmt.Fprintf(&b, "Error:\n%s\n", res.Error)
	}
	fmt.Fprintf(&b, "\nExecution time: %dms", res.ExecutionTimeMs)
	return b.String()
}

func displayName(l sandbox.Language) string {
	if l == sandbox.TypeScript {
		return "TypeScript"
	}
	return "JavaScript"
}
