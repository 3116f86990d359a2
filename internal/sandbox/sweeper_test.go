package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func writeAged(t *testing.T, m *Manager, name string, age time.Duration) string {
	t.Helper()
	if err := m.FS().MkdirAll(m.TempDir()); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path, err := m.FS().WriteFile(filepath.Join(m.TempDir(), name), []byte("1"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	return path
}

func TestSweeper_RemovesOnlyStaleIdleFiles(t *testing.T) {
	m, _ := newShellManager(t, nil)

	stale := writeAged(t, m, "exec_stale.js", time.Hour)
	fresh := writeAged(t, m, "exec_fresh.ts", time.Minute)
	busy := writeAged(t, m, "exec_busy.js", time.Hour)

	ex, err := m.reserve("exec_busy")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer m.release(ex)

	reg := prometheus.NewRegistry()
	metrics := NewSweeperMetrics(reg)
	s, err := NewSweeper(m, SweeperConfig{MaxAge: 30 * time.Minute}, metrics, discardLogger())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	if n := s.Sweep(context.Background()); n != 1 {
		t.Errorf("removed %d files, want 1", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale file survived")
	}
	for _, p := range []string{fresh, busy} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should survive: %v", filepath.Base(p), err)
		}
	}
	if got := testutil.ToFloat64(metrics.FilesRemoved); got != 1 {
		t.Errorf("files_removed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Sweeps); got != 1 {
		t.Errorf("runs_total = %v, want 1", got)
	}
}

func TestSweeper_MissingDirectory(t *testing.T) {
	m, _ := newShellManager(t, nil)
	s, err := NewSweeper(m, SweeperConfig{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if n := s.Sweep(context.Background()); n != 0 {
		t.Errorf("removed %d files from a missing directory", n)
	}
}

func TestSweeper_DefaultMaxAge(t *testing.T) {
	m, _ := newShellManager(t, func(c *Config) { c.Timeout = time.Hour })
	s, err := NewSweeper(m, SweeperConfig{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if s.cfg.MaxAge != 4*time.Hour {
		t.Errorf("max age = %v, want 4h", s.cfg.MaxAge)
	}
	if s.cfg.Schedule != "@every 5m" {
		t.Errorf("schedule = %q", s.cfg.Schedule)
	}
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	m, _ := newShellManager(t, nil)
	if _, err := NewSweeper(m, SweeperConfig{Schedule: "every now and then"}, nil, discardLogger()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	m, _ := newShellManager(t, nil)
	stale := writeAged(t, m, "exec_old.js", time.Hour)

	s, err := NewSweeper(m, SweeperConfig{MaxAge: time.Minute}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	stop, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("initial sweep did not remove stale file")
	}
}
