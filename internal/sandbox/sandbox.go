// Package sandbox runs submitted JavaScript and TypeScript in short-lived child
// processes. Code must pass admission (concurrency ceiling, size limit and
// static analysis) before anything is written to disk or spawned.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/coderun/internal/analyzer"
)

// Language is a supported source language.
type Language string

const (
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
)

// ParseLanguage accepts the canonical names plus the usual short forms.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "javascript", "js", "node":
		return JavaScript, nil
	case "typescript", "ts":
		return TypeScript, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
}

// Extension returns the temp-file suffix for the language.
func (l Language) Extension() string {
	if l == TypeScript {
		return ".ts"
	}
	return ".js"
}

// State is the terminal outcome of an execution.
type State string

const (
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// ExecutionResult is the outcome of a run that passed admission.
// Exactly one terminal State applies. Error is empty for StateCompleted.
type ExecutionResult struct {
	ID              string   `json:"id"`
	Language        Language `json:"language"`
	Output          string   `json:"output"`
	Error           string   `json:"error,omitempty"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	TempFilePath    string   `json:"temp_file_path,omitempty"`
	ExitCode        int      `json:"exit_code"`
	State           State    `json:"state"`
}

// Admission errors. They are the only errors ExecuteCode returns; every
// failure after admission is reported in the ExecutionResult.
var (
	ErrConcurrencyLimit    = errors.New("maximum concurrent executions reached, please try again later")
	ErrCodeTooLong         = errors.New("code length exceeds maximum allowed size")
	ErrSecurityCheckFailed = errors.New("security check failed")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// SecurityError carries the analyzer findings that blocked an execution.
type SecurityError struct {
	Issues   []string
	Warnings []string
}

func (e *SecurityError) Error() string {
	return "Security check failed: " + strings.Join(e.Issues, ", ")
}

func (e *SecurityError) Unwrap() error { return ErrSecurityCheckFailed }

// CodeAnalyzer vets code before it runs.
type CodeAnalyzer interface {
	Analyze(ctx context.Context, code string) analyzer.Result
}

// Executor runs code under the sandbox admission rules.
type Executor interface {
	ExecuteCode(ctx context.Context, code string, lang Language) (*ExecutionResult, error)
}
