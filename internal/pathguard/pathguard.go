// Package pathguard confines filesystem access to an allow-list of directories.
//
// A Validator turns a candidate path into a Verdict. SecureFS wraps the
// handful of filesystem operations the sandbox needs so that each one is
// validated first.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Deny reasons. The set is fixed.
const (
	ReasonEmptyPath      = "empty path"
	ReasonParentAccess   = "parent directory access"
	ReasonForbidden      = "forbidden directory"
	ReasonNotAllowed     = "not in allowed directories"
	ReasonDepthExceeded  = "depth limit exceeded"
	ReasonExtension      = "extension not allowed"
	ReasonSymlink        = "symlink"
	ReasonOutsideHomeDir = "outside home directory"
)

// DefaultForbiddenDirectories are never writable regardless of the allow-list.
var DefaultForbiddenDirectories = []string{"/etc", "/usr", "/System", "/bin", "/sbin"}

const defaultMaxDepth = 10

// ErrAccessDenied is wrapped by every AccessError.
var ErrAccessDenied = errors.New("access denied")

// AccessError reports a denied path and the reason.
type AccessError struct {
	Path   string
	Reason string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access denied: %s (%s)", e.Reason, e.Path)
}

func (e *AccessError) Unwrap() error { return ErrAccessDenied }

// Config configures a Validator.
type Config struct {
	Enabled              bool
	AllowedDirectories   []string
	ForbiddenDirectories []string // nil = DefaultForbiddenDirectories
	RestrictToHome       bool
	AllowTempDir         bool
	BlockParentAccess    bool
	MaxDepth             int      // 0 = 10
	AllowedExtensions    []string // lower-case with leading dot; empty = any
}

// Verdict is the outcome of validating one path.
type Verdict struct {
	Allowed        bool
	NormalizedPath string
	Reason         string // empty when Allowed
}

// Validator checks paths against a Config. It is immutable and safe for concurrent use.
type Validator struct {
	cfg       Config
	allowed   []string
	forbidden []string
	homeDir   string
	tempDir   string
}

// NewValidator checks cfg and returns a Validator. When enabled, at least one
// allowed directory is required and every allowed directory must exist.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.ForbiddenDirectories == nil {
		cfg.ForbiddenDirectories = DefaultForbiddenDirectories
	}

	v := &Validator{cfg: cfg, tempDir: realDir(os.TempDir())}
	if home, err := os.UserHomeDir(); err == nil {
		v.homeDir = realDir(home)
	}

	if !cfg.Enabled {
		return v, nil
	}
	if len(cfg.AllowedDirectories) == 0 {
		return nil, fmt.Errorf("at least one allowed directory must be specified")
	}
	if cfg.MaxDepth < 1 {
		return nil, fmt.Errorf("maximum depth must be at least 1")
	}
	for _, dir := range cfg.AllowedDirectories {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolving allowed directory %s: %w", dir, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("allowed directory does not exist: %s", abs)
		}
		v.allowed = append(v.allowed, realDir(abs))
	}
	for _, dir := range cfg.ForbiddenDirectories {
		if abs, err := filepath.Abs(dir); err == nil {
			v.forbidden = append(v.forbidden, filepath.Clean(abs))
		}
	}
	return v, nil
}

// Validate checks a file path, including its extension.
func (v *Validator) Validate(path string) Verdict {
	return v.validate(path, false)
}

// ValidateDir checks a directory path. Extensions are not considered.
func (v *Validator) ValidateDir(path string) Verdict {
	return v.validate(path, true)
}

func (v *Validator) validate(raw string, dir bool) Verdict {
	if strings.TrimSpace(raw) == "" {
		return Verdict{Reason: ReasonEmptyPath}
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return Verdict{Reason: ReasonNotAllowed}
	}
	if !v.cfg.Enabled {
		return Verdict{Allowed: true, NormalizedPath: abs}
	}

	deny := func(reason string) Verdict {
		return Verdict{NormalizedPath: abs, Reason: reason}
	}

	if v.cfg.BlockParentAccess && hasParentSegment(raw) {
		return deny(ReasonParentAccess)
	}

	// Resolve symlinks in the existing part of the path so that a link
	// inside an allowed directory cannot point somewhere else.
	resolved := resolveExisting(abs)

	for _, f := range v.forbidden {
		if within(abs, f) || within(resolved, f) {
			return deny(ReasonForbidden)
		}
	}

	base, ok := v.allowedBase(resolved)
	if !ok {
		if _, lexical := v.allowedBase(abs); lexical {
			return deny(ReasonSymlink)
		}
		return deny(ReasonNotAllowed)
	}

	if depth(resolved, base) > v.cfg.MaxDepth {
		return deny(ReasonDepthExceeded)
	}

	if !dir && len(v.cfg.AllowedExtensions) > 0 && !v.extensionAllowed(abs) {
		return deny(ReasonExtension)
	}

	if fi, err := os.Lstat(abs); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return deny(ReasonSymlink)
	}

	if v.cfg.RestrictToHome && (v.homeDir == "" || !within(resolved, v.homeDir)) {
		return deny(ReasonOutsideHomeDir)
	}

	return Verdict{Allowed: true, NormalizedPath: abs}
}

// allowedBase returns the allowed directory that contains path.
func (v *Validator) allowedBase(path string) (string, bool) {
	if v.cfg.AllowTempDir && within(path, v.tempDir) {
		return v.tempDir, true
	}
	for _, a := range v.allowed {
		if within(path, a) {
			return a, true
		}
	}
	return "", false
}

func (v *Validator) extensionAllowed(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range v.cfg.AllowedExtensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// within reports whether path is dir or below it. "/tmp" contains "/tmp/x" but not "/tmpx".
func within(path, dir string) bool {
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(path, dir)
	}
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

func depth(path, base string) int {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}

func hasParentSegment(raw string) bool {
	for _, seg := range strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// resolveExisting evaluates symlinks on the longest existing prefix of abs
// and re-attaches the remainder.
func resolveExisting(abs string) string {
	rest := ""
	cur := abs
	for {
		if r, err := filepath.EvalSymlinks(cur); err == nil {
			if rest == "" {
				return r
			}
			return filepath.Join(r, rest)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func realDir(dir string) string {
	if r, err := filepath.EvalSymlinks(dir); err == nil {
		return r
	}
	return filepath.Clean(dir)
}
