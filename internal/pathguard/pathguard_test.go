package pathguard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newTestValidator confines access to a fresh temp directory.
func newTestValidator(t *testing.T, mutate func(*Config)) (*Validator, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolving temp dir: %v", err)
	}
	cfg := Config{
		Enabled:              true,
		AllowedDirectories:   []string{root},
		ForbiddenDirectories: []string{"/etc"},
		BlockParentAccess:    true,
		MaxDepth:             3,
		AllowedExtensions:    []string{".js", ".ts"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := NewValidator(cfg)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v, root
}

func TestValidate(t *testing.T) {
	v, root := newTestValidator(t, nil)

	tests := []struct {
		name   string
		path   string
		reason string
	}{
		{"allowed file", filepath.Join(root, "a.js"), ""},
		{"allowed ts nested", filepath.Join(root, "x", "y", "b.ts"), ""},
		{"empty", "  ", ReasonEmptyPath},
		{"parent segment", root + "/x/../a.js", ReasonParentAccess},
		{"forbidden", "/etc/passwd.js", ReasonForbidden},
		{"outside", "/var/other/a.js", ReasonNotAllowed},
		{"prefix sibling", root + "evil/a.js", ReasonNotAllowed},
		{"too deep", filepath.Join(root, "a", "b", "c", "d.js"), ReasonDepthExceeded},
		{"extension", filepath.Join(root, "a.sh"), ReasonExtension},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.path)
			if tt.reason == "" {
				if !got.Allowed {
					t.Fatalf("Validate(%q) denied: %s", tt.path, got.Reason)
				}
				return
			}
			if got.Allowed {
				t.Fatalf("Validate(%q) allowed, want %q", tt.path, tt.reason)
			}
			if got.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestValidate_DotsInNameAreNotParentAccess(t *testing.T) {
	v, root := newTestValidator(t, nil)
	if got := v.Validate(filepath.Join(root, "a..b.js")); !got.Allowed {
		t.Errorf("denied: %s", got.Reason)
	}
}

func TestValidate_Symlink(t *testing.T) {
	v, root := newTestValidator(t, nil)
	outside := t.TempDir()
	target := filepath.Join(outside, "t.js")
	if err := os.WriteFile(target, []byte("1"), 0600); err != nil {
		t.Fatal(err)
	}

	escaping := filepath.Join(root, "escape.js")
	if err := os.Symlink(target, escaping); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if got := v.Validate(escaping); got.Allowed || got.Reason != ReasonSymlink {
		t.Errorf("escaping link: %+v, want %q", got, ReasonSymlink)
	}

	inner := filepath.Join(root, "real.js")
	if err := os.WriteFile(inner, []byte("1"), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link.js")
	if err := os.Symlink(inner, link); err != nil {
		t.Fatal(err)
	}
	if got := v.Validate(link); got.Allowed || got.Reason != ReasonSymlink {
		t.Errorf("inner link: %+v, want %q", got, ReasonSymlink)
	}
}

func TestValidate_RestrictToHome(t *testing.T) {
	v, root := newTestValidator(t, func(c *Config) { c.RestrictToHome = true })
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if strings.HasPrefix(root, home) {
		t.Skip("temp dir is inside home")
	}
	if got := v.Validate(filepath.Join(root, "a.js")); got.Reason != ReasonOutsideHomeDir {
		t.Errorf("reason = %q, want %q", got.Reason, ReasonOutsideHomeDir)
	}
}

func TestValidate_Disabled(t *testing.T) {
	v, err := NewValidator(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got := v.Validate("/etc/passwd"); !got.Allowed {
		t.Errorf("disabled validator denied: %s", got.Reason)
	}
}

func TestNewValidator_Invalid(t *testing.T) {
	if _, err := NewValidator(Config{Enabled: true}); err == nil {
		t.Error("expected error without allowed directories")
	}
	missing := filepath.Join(t.TempDir(), "missing")
	if _, err := NewValidator(Config{Enabled: true, AllowedDirectories: []string{missing}}); err == nil {
		t.Error("expected error for missing allowed directory")
	}
	if _, err := NewValidator(Config{Enabled: true, AllowedDirectories: []string{t.TempDir()}, MaxDepth: -1}); err == nil {
		t.Error("expected error for negative depth")
	}
}

func TestSecureFS(t *testing.T) {
	v, root := newTestValidator(t, nil)
	fs := NewSecureFS(v)

	dir := filepath.Join(root, "work")
	if err := fs.MkdirAll(dir); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := fs.MkdirAll(dir); err != nil {
		t.Fatalf("MkdirAll second call: %v", err)
	}

	path, err := fs.WriteFile(filepath.Join(dir, "main.js"), []byte("console.log(1)"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !fs.Exists(path) {
		t.Fatal("written file does not exist")
	}

	files, err := fs.List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 1 || files[0].Path != path {
		t.Errorf("List = %+v, want [%s]", files, path)
	}

	if err := fs.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if fs.Exists(path) {
		t.Error("file still exists after Remove")
	}
	if err := fs.Remove(path); err != nil {
		t.Errorf("Remove of missing file: %v", err)
	}

	_, err = fs.WriteFile(filepath.Join(dir, "run.sh"), []byte("echo"))
	var accessErr *AccessError
	if !errors.As(err, &accessErr) || accessErr.Reason != ReasonExtension {
		t.Errorf("WriteFile(.sh) err = %v, want extension denial", err)
	}
	if !errors.Is(err, ErrAccessDenied) {
		t.Error("AccessError should wrap ErrAccessDenied")
	}
}
