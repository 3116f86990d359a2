// Package analyzer performs static safety analysis of JavaScript and TypeScript
// source before it is allowed to run.
//
// Analysis has two independent layers. A structural walk over a tree-sitter
// syntax tree flags module loads, code-evaluation primitives and access to host
// globals. Textual sweeps over the raw source flag obfuscation and encoding
// tricks that the structural walk cannot see. Both layers err on the side of
// rejecting code.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const defaultTimeout = 30 * time.Second

// Result is the verdict for one piece of source text.
// Safe is false whenever Issues is non-empty. Warnings never affect Safe.
type Result struct {
	Safe     bool     `json:"safe"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

// Config configures the analyzer.
type Config struct {
	// Timeout bounds a single Analyze call. Zero = 30s.
	Timeout time.Duration
}

// Analyzer vets source text. It is safe for concurrent use.
type Analyzer struct {
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an analyzer.
func New(cfg Config, logger *slog.Logger) *Analyzer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{timeout: timeout, logger: logger}
}

// Analyze returns a fresh verdict for code. It never panics and never returns
// an error: parse failures, timeouts and internal faults become issues.
func (a *Analyzer) Analyze(ctx context.Context, code string) Result {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("analyzer panic", slog.Any("panic", r))
				done <- rejected(fmt.Sprintf("Code parsing error: internal analyzer failure: %v", r))
			}
		}()
		done <- a.analyze(ctx, code)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		a.logger.Warn("analysis interrupted",
			slog.Duration("timeout", a.timeout),
			slog.Int("code_bytes", len(code)),
			slog.String("error", ctx.Err().Error()),
		)
		return interrupted(ctx.Err())
	}
}

func (a *Analyzer) analyze(ctx context.Context, code string) Result {
	if err := ctx.Err(); err != nil {
		return interrupted(err)
	}

	rep := newReport()
	if msg, ok := parseAndWalk(ctx, []byte(code), rep); !ok {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		return rejected(msg)
	}

	sweep(code, rep)

	return rep.result()
}

func interrupted(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return rejected("Code analysis timeout")
	}
	return rejected("Code analysis cancelled: " + err.Error())
}

// rejected builds a verdict carrying a single issue.
func rejected(issue string) Result {
	return Result{Safe: false, Issues: []string{issue}, Warnings: []string{}}
}

// report accumulates findings in discovery order, dropping exact duplicates.
type report struct {
	issues   []string
	warnings []string
	seen     map[string]struct{}
}

func newReport() *report {
	return &report{
		issues:   []string{},
		warnings: []string{},
		seen:     make(map[string]struct{}),
	}
}

func (r *report) issue(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if _, dup := r.seen["i:"+msg]; dup {
		return
	}
	r.seen["i:"+msg] = struct{}{}
	r.issues = append(r.issues, msg)
}

func (r *report) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if _, dup := r.seen["w:"+msg]; dup {
		return
	}
	r.seen["w:"+msg] = struct{}{}
	r.warnings = append(r.warnings, msg)
}

func (r *report) result() Result {
	return Result{
		Safe:     len(r.issues) == 0,
		Issues:   r.issues,
		Warnings: r.warnings,
	}
}
