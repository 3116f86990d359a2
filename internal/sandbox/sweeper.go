package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultSweepSchedule = "@every 5m"
	minSweepAge          = 10 * time.Minute
)

// SweeperConfig configures the removal of abandoned temp files.
type SweeperConfig struct {
	Schedule string        // Cron spec or descriptor. Empty = "@every 5m".
	MaxAge   time.Duration // 0 = max(10m, 4x execution timeout)
}

// Sweeper deletes source files left behind in the sandbox temp directory,
// for example by a crash between write and cleanup. Files that belong to an
// execution still holding a slot are never touched.
type Sweeper struct {
	m       *Manager
	cfg     SweeperConfig
	metrics *SweeperMetrics
	logger  *slog.Logger
}

// NewSweeper creates a sweeper for m's temp directory. metrics may be nil.
func NewSweeper(m *Manager, cfg SweeperConfig, metrics *SweeperMetrics, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSweepSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 4 * m.cfg.Timeout
		if cfg.MaxAge < minSweepAge {
			cfg.MaxAge = minSweepAge
		}
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{m: m, cfg: cfg, metrics: metrics, logger: logger}, nil
}

// Start sweeps once, then on every tick of the schedule until the returned
// stop function is called. stop waits for a running sweep to finish.
func (s *Sweeper) Start(ctx context.Context) (func(), error) {
	s.Sweep(ctx)

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("scheduling temp sweeper: %w", err)
	}
	c.Start()

	s.logger.InfoContext(ctx, "temp sweeper started",
		slog.String("schedule", s.cfg.Schedule),
		slog.Duration("max_age", s.cfg.MaxAge),
		slog.String("dir", s.m.tempDir),
	)

	return func() {
		<-c.Stop().Done()
		s.logger.Info("temp sweeper stopped")
	}, nil
}

// Sweep removes stale files and returns how many were deleted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	files, err := s.m.fs.List(s.m.tempDir)
	if err != nil {
		s.logger.WarnContext(ctx, "temp sweep failed",
			slog.String("dir", s.m.tempDir),
			slog.String("error", err.Error()),
		)
		return 0
	}

	cutoff := time.Now().Add(-s.cfg.MaxAge)
	removed := 0
	for _, f := range files {
		if f.ModTime.After(cutoff) || s.m.inFlight(f.Path) {
			continue
		}
		if err := s.m.fs.Remove(f.Path); err != nil {
			s.logger.WarnContext(ctx, "failed to remove stale temp file",
				slog.String("temp_file", f.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "stale temp files removed", slog.Int("count", removed))
	}
	if s.metrics != nil {
		s.metrics.Sweeps.Inc()
		s.metrics.FilesRemoved.Add(float64(removed))
	}
	return removed
}
