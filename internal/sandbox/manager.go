package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/coderun/internal/analyzer"
	"github.com/jkaninda/coderun/internal/pathguard"
)

const (
	defaultMaxConcurrent = 3
	defaultTimeout       = 30 * time.Second
	defaultMaxCodeLength = 50000
	defaultTempDirPrefix = "mcp-code-interpreter"

	// maxTempDepth bounds how deep below the temp root a source file may sit.
	maxTempDepth = 10
)

// forbiddenDirectories never receive temp source files, even when the
// host temp directory is configured inside one of them.
var forbiddenDirectories = []string{"/etc", "/usr", "/bin", "/sbin"}

// Config configures a Manager. It is fixed for the Manager's lifetime.
type Config struct {
	MaxConcurrentExecutions int           // 0 = 3
	Timeout                 time.Duration // 0 = 30s
	TempDirPrefix           string        // Directory under os.TempDir(). Empty = "mcp-code-interpreter".
	WorkingDir              string        // Child working directory. Empty = current directory.
	EnableAnalysis          bool
	MaxCodeLengthBytes      int                   // 0 = 50000
	Runtimes                map[Language][]string // nil = node / npx tsx
}

// DefaultRuntimes returns the argv prefix used for each language.
func DefaultRuntimes() map[Language][]string {
	return map[Language][]string{
		JavaScript: {"node"},
		TypeScript: {"npx", "tsx"},
	}
}

// execution is one admitted request. cmd is nil until the process starts.
type execution struct {
	id     string
	cmd    *exec.Cmd
	killed atomic.Bool
}

// Manager admits, runs and reaps code executions.
//
// Guarantees:
//   - At most MaxConcurrentExecutions requests hold a slot at once; extra requests fail fast
//   - Over-length code is rejected before the analyzer sees it
//   - Each child runs in its own process group, killed as a whole when the run ends
//   - The temp source file is removed on every path out of ExecuteCode
type Manager struct {
	cfg      Config
	analyzer CodeAnalyzer
	fs       *pathguard.SecureFS
	tempDir  string
	env      []string
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]*execution
}

// New creates a Manager. A nil analyzer gets the default analyzer.
func New(cfg Config, an CodeAnalyzer, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = defaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxCodeLengthBytes <= 0 {
		cfg.MaxCodeLengthBytes = defaultMaxCodeLength
	}
	if cfg.TempDirPrefix == "" {
		cfg.TempDirPrefix = defaultTempDirPrefix
	}
	if cfg.Runtimes == nil {
		cfg.Runtimes = DefaultRuntimes()
	}
	if an == nil {
		an = analyzer.New(analyzer.Config{}, logger)
	}

	validator, err := pathguard.NewValidator(pathguard.Config{
		Enabled:              true,
		AllowedDirectories:   []string{os.TempDir()},
		AllowTempDir:         true,
		BlockParentAccess:    true,
		ForbiddenDirectories: forbiddenDirectories,
		MaxDepth:             maxTempDepth,
		AllowedExtensions:    []string{JavaScript.Extension(), TypeScript.Extension()},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring temp file confinement: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		analyzer: an,
		fs:       pathguard.NewSecureFS(validator),
		tempDir:  filepath.Join(os.TempDir(), cfg.TempDirPrefix),
		env:      buildEnv(),
		logger:   logger,
		slots:    make(map[string]*execution),
	}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// TempDir returns the directory holding in-flight source files.
func (m *Manager) TempDir() string { return m.tempDir }

// FS returns the confined filesystem the Manager writes through.
func (m *Manager) FS() *pathguard.SecureFS { return m.fs }

// ActiveCount returns the number of executions currently holding a slot.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// ExecuteCode admits and runs code. It returns an error only when admission
// fails; runtime failures, timeouts and cancellation are reported in the result.
func (m *Manager) ExecuteCode(ctx context.Context, code string, lang Language) (*ExecutionResult, error) {
	argv, ok := m.cfg.Runtimes[lang]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}

	start := time.Now()
	ex, err := m.reserve("exec_" + uuid.NewString())
	if err != nil {
		m.logger.WarnContext(ctx, "execution rejected",
			slog.String("reason", "concurrency_limit"),
			slog.Int("max_concurrent", m.cfg.MaxConcurrentExecutions),
		)
		return nil, err
	}
	defer m.release(ex)

	if len(code) > m.cfg.MaxCodeLengthBytes {
		m.logger.WarnContext(ctx, "execution rejected",
			slog.String("execution_id", ex.id),
			slog.String("reason", "code_too_long"),
			slog.Int("code_bytes", len(code)),
		)
		return nil, fmt.Errorf("%w of %d bytes", ErrCodeTooLong, m.cfg.MaxCodeLengthBytes)
	}

	if m.cfg.EnableAnalysis {
		verdict := m.analyzer.Analyze(ctx, code)
		if !verdict.Safe {
			m.logger.WarnContext(ctx, "execution rejected",
				slog.String("execution_id", ex.id),
				slog.String("reason", "security_check"),
				slog.Any("issues", verdict.Issues),
			)
			return nil, &SecurityError{Issues: verdict.Issues, Warnings: verdict.Warnings}
		}
		if len(verdict.Warnings) > 0 {
			m.logger.WarnContext(ctx, "safety analysis warnings",
				slog.String("execution_id", ex.id),
				slog.Any("warnings", verdict.Warnings),
			)
		}
	}

	res := &ExecutionResult{ID: ex.id, Language: lang}

	path, err := m.materialize(ex.id, lang, code)
	if err != nil {
		res.State = StateFailed
		res.ExitCode = -1
		res.Error = "Execution error: " + err.Error()
	} else {
		res.TempFilePath = path
		defer m.removeTempFile(ex.id, path)

		m.logger.InfoContext(ctx, "sandbox executing",
			slog.String("execution_id", ex.id),
			slog.String("language", string(lang)),
			slog.String("temp_file", path),
			slog.Duration("timeout", m.cfg.Timeout),
		)
		m.run(ctx, ex, argv, path, res)
	}

	if res.State != StateTimedOut {
		res.ExecutionTimeMs = time.Since(start).Milliseconds()
	}

	m.logger.InfoContext(ctx, "sandbox execution finished",
		slog.String("execution_id", ex.id),
		slog.String("state", string(res.State)),
		slog.Int("exit_code", res.ExitCode),
		slog.Int64("execution_time_ms", res.ExecutionTimeMs),
		slog.Int("stdout_bytes", len(res.Output)),
	)
	return res, nil
}

// Shutdown sends SIGTERM to every running process group, forgets all
// executions and resets the slot count. It does not wait for the processes.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	live := m.slots
	m.slots = make(map[string]*execution)
	m.mu.Unlock()

	m.logger.Info("shutting down sandbox", slog.Int("active_executions", len(live)))

	for id, ex := range live {
		ex.killed.Store(true)
		if ex.cmd == nil {
			continue
		}
		if err := signalGroup(ex.cmd, syscall.SIGTERM); err != nil {
			m.logger.Warn("failed to terminate execution",
				slog.String("execution_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reserve claims a slot for id, or fails when the ceiling is reached.
func (m *Manager) reserve(id string) (*execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.slots) >= m.cfg.MaxConcurrentExecutions {
		return nil, ErrConcurrencyLimit
	}
	ex := &execution{id: id}
	m.slots[id] = ex
	return ex, nil
}

// release frees the slot held by ex. A slot already cleared by Shutdown is left alone.
func (m *Manager) release(ex *execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.slots[ex.id]; ok && cur == ex {
		delete(m.slots, ex.id)
	}
}

// attach records the started process. If Shutdown ran in the meantime the
// process is terminated straight away.
func (m *Manager) attach(ex *execution, cmd *exec.Cmd) {
	m.mu.Lock()
	_, live := m.slots[ex.id]
	if live {
		ex.cmd = cmd
	}
	m.mu.Unlock()

	if !live {
		ex.killed.Store(true)
		_ = signalGroup(cmd, syscall.SIGTERM)
	}
}

func (m *Manager) materialize(id string, lang Language, code string) (string, error) {
	if err := m.fs.MkdirAll(m.tempDir); err != nil {
		return "", err
	}
	return m.fs.WriteFile(filepath.Join(m.tempDir, id+lang.Extension()), []byte(code))
}

func (m *Manager) removeTempFile(id, path string) {
	if err := m.fs.Remove(path); err != nil {
		m.logger.Error("failed to remove temp file",
			slog.String("execution_id", id),
			slog.String("temp_file", path),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Debug("temp file removed",
		slog.String("execution_id", id),
		slog.String("temp_file", path),
	)
}

// inFlight reports whether path belongs to an execution holding a slot.
func (m *Manager) inFlight(path string) bool {
	id := filepath.Base(path)
	id = id[:len(id)-len(filepath.Ext(id))]
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slots[id]
	return ok
}
