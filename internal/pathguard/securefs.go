package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SecureFS performs filesystem operations only on paths the Validator allows.
type SecureFS struct {
	v *Validator
}

// NewSecureFS wraps a validator.
func NewSecureFS(v *Validator) *SecureFS {
	return &SecureFS{v: v}
}

// Validator returns the underlying validator.
func (fs *SecureFS) Validator() *Validator { return fs.v }

// WriteFile creates or truncates path with mode 0600 and writes data.
func (fs *SecureFS) WriteFile(path string, data []byte) (string, error) {
	verdict := fs.v.Validate(path)
	if !verdict.Allowed {
		return "", &AccessError{Path: path, Reason: verdict.Reason}
	}
	if err := os.WriteFile(verdict.NormalizedPath, data, 0600); err != nil {
		return "", fmt.Errorf("writing %s: %w", verdict.NormalizedPath, err)
	}
	return verdict.NormalizedPath, nil
}

// MkdirAll creates a directory and any missing parents. An existing directory is not an error.
func (fs *SecureFS) MkdirAll(path string) error {
	verdict := fs.v.ValidateDir(path)
	if !verdict.Allowed {
		return &AccessError{Path: path, Reason: verdict.Reason}
	}
	if err := os.MkdirAll(verdict.NormalizedPath, 0700); err != nil {
		return fmt.Errorf("creating directory %s: %w", verdict.NormalizedPath, err)
	}
	return nil
}

// Remove deletes a single file. A missing file is not an error.
func (fs *SecureFS) Remove(path string) error {
	verdict := fs.v.Validate(path)
	if !verdict.Allowed {
		return &AccessError{Path: path, Reason: verdict.Reason}
	}
	if err := os.Remove(verdict.NormalizedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", verdict.NormalizedPath, err)
	}
	return nil
}

// Exists reports whether an allowed path exists. Denied paths report false.
func (fs *SecureFS) Exists(path string) bool {
	verdict := fs.v.Validate(path)
	if !verdict.Allowed {
		return false
	}
	_, err := os.Stat(verdict.NormalizedPath)
	return err == nil
}

// FileInfo describes a regular file found by List.
type FileInfo struct {
	Path    string
	ModTime time.Time
}

// List returns the regular files directly inside dir whose paths are allowed.
func (fs *SecureFS) List(dir string) ([]FileInfo, error) {
	verdict := fs.v.ValidateDir(dir)
	if !verdict.Allowed {
		return nil, &AccessError{Path: dir, Reason: verdict.Reason}
	}
	entries, err := os.ReadDir(verdict.NormalizedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", verdict.NormalizedPath, err)
	}
	var out []FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		p := filepath.Join(verdict.NormalizedPath, e.Name())
		if !fs.v.Validate(p).Allowed {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Path: p, ModTime: info.ModTime()})
	}
	return out, nil
}
