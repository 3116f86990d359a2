// Package tools defines the tool interface and registry shared by every
// front end (MCP stdio, HTTP gateway, CLI). Each front end looks tools up by
// name and renders the Result text as-is.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownTool is returned by Call for a name nothing was registered under.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidParams wraps a Validate failure.
	ErrInvalidParams = errors.New("invalid parameters")
)

// Tool is implemented by every callable tool.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "execute-javascript").
	Name() string

	Description() string

	// InputSchema returns a JSON Schema object describing the parameters.
	InputSchema() map[string]any

	// Validate checks that params are well-formed. It runs before Execute so
	// malformed calls never reach the sandbox.
	Validate(params map[string]any) error

	// Execute runs the tool. Failures the caller should read (admission
	// rejections, runtime errors) are reported in the Result text with
	// Success=false; a non-nil error means the tool itself broke.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool call.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes caps rendered tool output.
const MaxOutputBytes = 1 << 20 // 1 MiB

// TruncateOutput caps s at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

type contextKey int

const (
	callerKey contextKey = iota
	sourceKey
)

// WithCaller tags ctx with the authenticated caller and the front end the
// call arrived through ("mcp", "http" or "cli"). Both end up in the audit log.
func WithCaller(ctx context.Context, source, caller string) context.Context {
	ctx = context.WithValue(ctx, sourceKey, source)
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller set by WithCaller, or "".
func CallerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}

// SourceFromContext returns the front end set by WithCaller, or "".
func SourceFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sourceKey).(string)
	return v
}

// CallRecorder receives one notification per completed Call.
type CallRecorder interface {
	RecordToolCall(tool string, failed bool)
}

// Registry holds tools keyed by name. Registration happens at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	recorder CallRecorder
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// SetRecorder installs rec for every subsequent Call. nil disables recording.
func (r *Registry) SetRecorder(rec CallRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// Register adds a tool. Panics on duplicate names, which is a wiring bug.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns registered tools sorted by name.
func (r *Registry) All() []Tool {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, len(names))
	for i, n := range names {
		out[i] = r.tools[n]
	}
	return out
}

// Call validates params and runs the named tool.
func (r *Registry) Call(ctx context.Context, name string, params map[string]any) (*Result, error) {
	r.mu.RLock()
	t, rec := r.tools[name], r.recorder
	r.mu.RUnlock()

	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if params == nil {
		params = map[string]any{}
	}

	var (
		res *Result
		err = t.Validate(params)
	)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidParams, err)
	} else {
		res, err = t.Execute(ctx, params)
	}
	if err == nil && res != nil {
		res.Output = TruncateOutput(res.Output, MaxOutputBytes)
	}

	if rec != nil {
		rec.RecordToolCall(name, err != nil || res == nil || !res.Success)
	}
	return res, err
}

// RequireString returns params[key] if it is a string.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	return s, nil
}

// OptionalString returns params[key] if present, def if absent.
func OptionalString(params map[string]any, key, def string) (string, error) {
	if _, ok := params[key]; !ok {
		return def, nil
	}
	return RequireString(params, key)
}
