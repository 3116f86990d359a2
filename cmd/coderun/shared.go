package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/coderun/internal/analyzer"
	"github.com/jkaninda/coderun/internal/config"
	"github.com/jkaninda/coderun/internal/observability"
	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/security"
	"github.com/jkaninda/coderun/internal/storage"
	pgstore "github.com/jkaninda/coderun/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/coderun/internal/storage/sqlite"
	"github.com/jkaninda/coderun/internal/tools"
	"github.com/jkaninda/coderun/internal/tools/code"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs      *observability.Observability
	Analyzer sandbox.CodeAnalyzer
	Manager  *sandbox.Manager
	Executor sandbox.Executor
	Auditor  security.Auditor
	Store    storage.Store // nil = history disabled
	ToolReg  *tools.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path from CODERUN_CONFIG or --config.
// A missing file at the default location is not an error.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("CODERUN_CONFIG", configPath)
	if path == config.DefaultConfigPath() {
		return config.LoadOptional(path)
	}
	return config.Load(path)
}

// initShared builds the analysis and execution pipeline. withJournal also
// opens the audit log and the history store; one-shot commands skip them.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, withJournal bool) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)

	// Analyzer.
	var an sandbox.CodeAnalyzer = analyzer.New(analyzer.Config{
		Timeout: cfg.Sandbox.Security.AnalysisTimeout(),
	}, logger)
	if obs.Metrics != nil || obs.Tracer != nil {
		an = observability.NewInstrumentedAnalyzer(an, obs.MetricsOrNil(), obs.TracerOrNil())
	}
	sc.Analyzer = an

	// Sandbox.
	mgr, err := sandbox.New(sandboxConfig(cfg.Sandbox), an, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	sc.Manager = mgr
	sc.addCleanup(mgr.Shutdown)
	logger.Debug("sandbox initialized",
		slog.Int("max_concurrent_executions", mgr.Config().MaxConcurrentExecutions),
		slog.Duration("timeout", mgr.Config().Timeout),
		slog.Bool("analysis", mgr.Config().EnableAnalysis),
		slog.String("temp_dir", mgr.TempDir()),
	)

	var exec sandbox.Executor = mgr
	if obs.Metrics != nil || obs.Tracer != nil {
		exec = observability.NewInstrumentedExecutor(mgr, obs.MetricsOrNil(), obs.TracerOrNil())
	}
	sc.Executor = exec
	if obs.Metrics != nil {
		obs.Metrics.TrackActiveExecutions(mgr.ActiveCount)
	}

	// Readiness: runtimes on PATH and a writable temp dir.
	for lang, argv := range mgr.Config().Runtimes {
		obs.Health.AddCheck("runtime_"+string(lang), observability.RuntimeCheck(argv[0]))
	}
	obs.Health.AddCheck("temp_dir", observability.DirWritableCheck(mgr.TempDir()))

	if withJournal {
		if err := sc.initJournal(); err != nil {
			sc.Cleanup()
			return nil, err
		}
	}

	// Tool registry.
	reg := tools.NewRegistry()
	if obs.Metrics != nil {
		reg.SetRecorder(obs.Metrics)
	}
	code.Register(reg, code.Deps{
		Executor: exec,
		Analyzer: an,
		Sandbox:  mgr,
		Auditor:  sc.Auditor,
		History:  sc.Store,
		Logger:   logger,
	})
	sc.ToolReg = reg
	logger.Debug("tools registered", slog.Any("tools", reg.List()))

	return sc, nil
}

// initJournal opens the audit log and the execution history store.
func (sc *SharedComponents) initJournal() error {
	cfg, logger := sc.Config, sc.Logger

	if cfg.Audit.Enabled {
		audit, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
		if err != nil {
			return fmt.Errorf("initializing audit log: %w", err)
		}
		sc.Auditor = audit
		sc.addCleanup(func() {
			if err := audit.Close(); err != nil {
				logger.Error("closing audit log", slog.String("error", err.Error()))
			}
		})
		logger.Debug("audit log initialized", slog.String("path", audit.Path()))
	}

	if !cfg.Storage.IsEnabled() {
		return nil
	}
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	sc.Obs.Health.AddCheck("storage", store.Ping)
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	return nil
}

// initStore opens the configured history backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		dataDir := cfg.ResolvedDataDir()
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
		}
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	}
}

func sandboxConfig(s config.SandboxConfig) sandbox.Config {
	return sandbox.Config{
		MaxConcurrentExecutions: s.MaxConcurrentExecutions,
		Timeout:                 s.ExecutionTimeout(),
		TempDirPrefix:           s.TempDirPrefix,
		WorkingDir:              s.WorkingDir,
		EnableAnalysis:          s.Security.EnableAnalysis,
		MaxCodeLengthBytes:      s.Security.MaxCodeLengthBytes,
		Runtimes: map[sandbox.Language][]string{
			sandbox.JavaScript: s.Runtimes.JavaScript,
			sandbox.TypeScript: s.Runtimes.TypeScript,
		},
	}
}
