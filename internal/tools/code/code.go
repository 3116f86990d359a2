// Package code implements the code interpreter tools: execute-javascript,
// execute-typescript, validate-code and server-status.
//
// Every execute and validate call is written to the audit log and the
// execution history when those are configured. The submitted code is never
// persisted; only its size and SHA-256 digest.
package code

import (
	"context"
	"log/slog"

	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/security"
	"github.com/jkaninda/coderun/internal/storage"
	"github.com/jkaninda/coderun/internal/tools"
)

// SandboxInfo exposes the live sandbox state shown by server-status.
type SandboxInfo interface {
	ActiveCount() int
	Config() sandbox.Config
}

// Deps are the collaborators shared by the code tools.
type Deps struct {
	Executor sandbox.Executor     // Required.
	Analyzer sandbox.CodeAnalyzer // Required by validate-code.
	Sandbox  SandboxInfo          // Required by server-status and validate-code.
	Auditor  security.Auditor     // nil = no audit log
	History  storage.Store        // nil = no execution history
	Logger   *slog.Logger
}

// Register adds every code tool to reg.
func Register(reg *tools.Registry, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	j := &journal{auditor: d.Auditor, history: d.History, logger: d.Logger}

	reg.Register(newExecuteTool(sandbox.JavaScript, d.Executor, j, d.Logger))
	reg.Register(newExecuteTool(sandbox.TypeScript, d.Executor, j, d.Logger))
	reg.Register(newValidateTool(d.Analyzer, d.Sandbox, j, d.Logger))
	reg.Register(NewStatusTool(d.Sandbox, d.History))
}

// journal fans a finished call out to the audit log and the history store.
// Failures are logged and never change the tool result.
type journal struct {
	auditor security.Auditor
	history storage.Store
	logger  *slog.Logger
}

func (j *journal) record(ctx context.Context, ev security.AuditEvent, exitCode int) {
	if j == nil {
		return
	}
	ev.Source = tools.SourceFromContext(ctx)
	ev.Caller = tools.CallerFromContext(ctx)

	// Recording must outlive a caller that hung up mid-execution.
	ctx = context.WithoutCancel(ctx)

	if j.auditor != nil {
		if err := j.auditor.LogAction(ctx, ev); err != nil {
			j.logger.WarnContext(ctx, "audit write failed",
				slog.String("tool", ev.Tool),
				slog.String("error", err.Error()),
			)
		}
	}

	if j.history != nil {
		rec := &storage.Execution{
			ID:         ev.ExecutionID,
			Tool:       ev.Tool,
			Language:   ev.Language,
			Source:     ev.Source,
			Caller:     ev.Caller,
			Result:     ev.Result,
			ExitCode:   exitCode,
			DurationMs: ev.DurationMs,
			CodeBytes:  ev.CodeBytes,
			CodeSHA256: ev.CodeSHA256,
			Error:      ev.Error,
			CreatedAt:  ev.Timestamp,
		}
		if err := j.history.Save(ctx, rec); err != nil {
			j.logger.WarnContext(ctx, "history write failed",
				slog.String("tool", ev.Tool),
				slog.String("error", err.Error()),
			)
		}
	}
}

func stateResult(s sandbox.State) string {
	switch s {
	case sandbox.StateCompleted:
		return security.ResultSuccess
	case sandbox.StateTimedOut:
		return security.ResultTimeout
	default:
		return security.ResultFailure
	}
}
