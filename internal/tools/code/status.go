package code

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/coderun/internal/security"
	"github.com/jkaninda/coderun/internal/storage"
	"github.com/jkaninda/coderun/internal/tools"
)

// StatusTool reports sandbox occupancy and limits.
type StatusTool struct {
	info    SandboxInfo
	history storage.Store
}

// NewStatusTool creates the server-status tool. history may be nil.
func NewStatusTool(info SandboxInfo, history storage.Store) *StatusTool {
	return &StatusTool{info: info, history: history}
}

func (t *StatusTool) Name() string        { return "server-status" }
func (t *StatusTool) Description() string { return "Get server status and active execution count" }

func (t *StatusTool) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *StatusTool) Validate(map[string]any) error { return nil }

func (t *StatusTool) Execute(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	cfg := t.info.Config()
	active := t.info.ActiveCount()

	sandboxState := "disabled"
	if cfg.EnableAnalysis {
		sandboxState = "enabled"
	}

	var b strings.Builder
	b.WriteString("Server Status:\n")
	fmt.Fprintf(&b, "- Active executions: %d/%d\n", active, cfg.MaxConcurrentExecutions)
	fmt.Fprintf(&b, "- Security sandbox: %s\n", sandboxState)
	fmt.Fprintf(&b, "- Execution timeout: %dms\n", cfg.Timeout.Milliseconds())
	fmt.Fprintf(&b, "- Max code length: %d bytes", cfg.MaxCodeLengthBytes)

	meta := map[string]any{
		"active_executions":         active,
		"max_concurrent_executions": cfg.MaxConcurrentExecutions,
		"analysis_enabled":          cfg.EnableAnalysis,
		"execution_timeout_ms":      cfg.Timeout.Milliseconds(),
		"max_code_length_bytes":     cfg.MaxCodeLengthBytes,
	}

	if t.history != nil {
		if st, err := t.history.Stats(ctx); err == nil {
			fmt.Fprintf(&b, "\n- Recorded calls: %d (success %d, failure %d, timeout %d, denied %d)",
				st.Total,
				st.ByResult[security.ResultSuccess],
				st.ByResult[security.ResultFailure],
				st.ByResult[security.ResultTimeout],
				st.ByResult[security.ResultDenied],
			)
			meta["history"] = st
		} else {
			fmt.Fprintf(&b, "\n- Recorded calls: unavailable (%v)", err)
		}
	}

	return &tools.Result{Output: b.String(), Success: true, Metadata: meta}, nil
}
