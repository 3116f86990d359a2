package code

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/coderun/internal/analyzer"
	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/security"
	"github.com/jkaninda/coderun/internal/tools"
)

// ValidateTool runs the static safety analyzer without executing anything.
type ValidateTool struct {
	analyzer sandbox.CodeAnalyzer
	info     SandboxInfo
	journal  *journal
	logger   *slog.Logger
}

func newValidateTool(an sandbox.CodeAnalyzer, info SandboxInfo, j *journal, logger *slog.Logger) *ValidateTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidateTool{analyzer: an, info: info, journal: j, logger: logger}
}

func (t *ValidateTool) Name() string { return "validate-code" }

func (t *ValidateTool) Description() string {
	return "Check JavaScript or TypeScript code against the security rules without executing it"
}

func (t *ValidateTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Code to validate",
			},
			"language": map[string]any{
				"type":        "string",
				"enum":        []string{string(sandbox.JavaScript), string(sandbox.TypeScript)},
				"description": "Source language. Default: typescript",
			},
		},
		"required": []string{"code"},
	}
}

func (t *ValidateTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "code"); err != nil {
		return err
	}
	lang, err := tools.OptionalString(params, "language", string(sandbox.TypeScript))
	if err != nil {
		return err
	}
	_, err = sandbox.ParseLanguage(lang)
	return err
}

func (t *ValidateTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	code, err := tools.RequireString(params, "code")
	if err != nil {
		return nil, err
	}
	langName, _ := tools.OptionalString(params, "language", string(sandbox.TypeScript))
	lang, err := sandbox.ParseLanguage(langName)
	if err != nil {
		return nil, err
	}

	ev := security.NewAuditEvent(t.Name(), string(lang), code)
	start := time.Now()

	if limit := t.info.Config().MaxCodeLengthBytes; limit > 0 && len(code) > limit {
		msg := fmt.Sprintf("%s of %d bytes", sandbox.ErrCodeTooLong, limit)
		ev.Result = security.ResultDenied
		ev.Error = msg
		t.journal.record(ctx, ev, 0)
		return &tools.Result{Output: "Validation failed: " + msg}, nil
	}

	verdict := t.analyzer.Analyze(ctx, code)
	ev.DurationMs = time.Since(start).Milliseconds()
	ev.Result = security.ResultSuccess
	if !verdict.Safe {
		ev.Result = security.ResultDenied
		ev.Error = strings.Join(verdict.Issues, ", ")
	}
	t.journal.record(ctx, ev, 0)

	t.logger.InfoContext(ctx, "validation finished",
		slog.Bool("safe", verdict.Safe),
		slog.Int("issues", len(verdict.Issues)),
		slog.Int("warnings", len(verdict.Warnings)),
	)

	return &tools.Result{
		Output:  FormatVerdict(verdict),
		Success: verdict.Safe,
		Metadata: map[string]any{
			"language": string(lang),
			"safe":     verdict.Safe,
			"issues":   verdict.Issues,
			"warnings": verdict.Warnings,
		},
	}, nil
}

// FormatVerdict renders an analysis result as numbered issue and warning lists.
func FormatVerdict(v analyzer.Result) string {
	var b strings.Builder
	if v.Safe {
		b.WriteString("Security validation: code is safe to execute\n")
	} else {
		b.WriteString("Security validation: issues found\n")
	}
	writeList(&b, "Issues", v.Issues)
	writeList(&b, "Warnings", v.Warnings)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for i, item := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, item)
	}
}
