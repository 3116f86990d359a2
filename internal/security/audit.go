// Package security records what was submitted for execution and what happened
// to it, as an append-only JSONL audit trail.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
	ResultDenied  = "denied" // rejected at admission: limit, size or analysis
)

// AuditEvent is one line of the audit log. The submitted code itself is never
// stored; only its size and digest.
type AuditEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Tool        string    `json:"tool"`
	Language    string    `json:"language,omitempty"`
	Source      string    `json:"source,omitempty"` // "mcp", "http" or "cli"
	Caller      string    `json:"caller,omitempty"`
	Result      string    `json:"result"`
	DurationMs  int64     `json:"duration_ms"`
	CodeBytes   int       `json:"code_bytes"`
	CodeSHA256  string    `json:"code_sha256"`
	Error       string    `json:"error,omitempty"`
}

// NewAuditEvent starts an event for code submitted to tool.
func NewAuditEvent(tool, language, code string) AuditEvent {
	sum := sha256.Sum256([]byte(code))
	return AuditEvent{
		Timestamp:  time.Now().UTC(),
		Tool:       tool,
		Language:   language,
		CodeBytes:  len(code),
		CodeSHA256: hex.EncodeToString(sum[:]),
	}
}

// Auditor records audit events.
type Auditor interface {
	LogAction(ctx context.Context, event AuditEvent) error
}

// NopAuditor discards events. Used when auditing is disabled.
type NopAuditor struct{}

func (NopAuditor) LogAction(context.Context, AuditEvent) error { return nil }

// AuditLogger appends events to a file, one JSON object per line.
// Safe for concurrent use.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *slog.Logger
}

// NewAuditLogger opens path for appending, creating it (0600) and its parent
// directory (0700) if needed.
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{file: f, path: path, logger: logger}, nil
}

// Path returns the audit file location.
func (a *AuditLogger) Path() string { return a.path }

// LogAction appends event. Encoding happens before the lock is taken so only
// the write itself is serialized.
func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, err = a.file.Write(data)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	a.logger.DebugContext(ctx, "audit event recorded",
		slog.String("tool", event.Tool),
		slog.String("execution_id", event.ExecutionID),
		slog.String("result", event.Result),
	)
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

var (
	_ Auditor = (*AuditLogger)(nil)
	_ Auditor = NopAuditor{}
)
