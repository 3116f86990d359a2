package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const readinessTimeout = 3 * time.Second

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// HealthChecker aggregates readiness from named dependency checks.
type HealthChecker struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Check
	logger *slog.Logger
}

// HealthStatus is the JSON body served by the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Status  string `json:"status"` // "ok" or "fail"
	Message string `json:"message,omitempty"`
}

// Ready reports whether every check passed.
func (s HealthStatus) Ready() bool { return s.Status == "ok" }

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{checks: make(map[string]Check), logger: logger}
}

// AddCheck registers check under name. Registering a name twice replaces the
// earlier check.
func (h *HealthChecker) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.checks[name]; !dup {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// CheckHealth is the liveness probe. It is "ok" whenever the process can answer.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all checks concurrently under a shared deadline.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := append([]string(nil), h.names...)
	checks := make([]Check, len(names))
	for i, n := range names {
		checks[i] = h.checks[n]
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return HealthStatus{Status: "ok"}
	}

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = checks[i](ctx)
		}(i)
	}
	wg.Wait()

	status := HealthStatus{Status: "ok", Checks: make(map[string]CheckResult, len(names))}
	for i, name := range names {
		if errs[i] == nil {
			status.Checks[name] = CheckResult{Status: "ok"}
			continue
		}
		status.Status = "degraded"
		status.Checks[name] = CheckResult{Status: "fail", Message: errs[i].Error()}
		h.logger.Warn("readiness check failed",
			slog.String("check", name),
			slog.String("error", errs[i].Error()),
		)
	}
	return status
}

// RuntimeCheck passes when the runtime executable argv0 resolves on PATH.
func RuntimeCheck(argv0 string) Check {
	return func(context.Context) error {
		if _, err := exec.LookPath(argv0); err != nil {
			return fmt.Errorf("runtime %q not found: %w", argv0, err)
		}
		return nil
	}
}

// DirWritableCheck passes when a file can be created inside dir.
// The directory is created if missing.
func DirWritableCheck(dir string) Check {
	return func(context.Context) error {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		f, err := os.CreateTemp(dir, ".ready-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}
}
