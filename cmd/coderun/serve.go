package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/config"
	"github.com/jkaninda/coderun/internal/gateway"
	"github.com/jkaninda/coderun/internal/gateway/httpapi"
	"github.com/jkaninda/coderun/internal/mcpserver"
	"github.com/jkaninda/coderun/internal/ratelimit"
	"github.com/jkaninda/coderun/internal/sandbox"
)

var (
	serveHTTPAddr string
	serveNoStdio  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the interpreter over MCP stdio (and HTTP when enabled)",
	RunE:  runServe,
}

func init() {
	// Flags on both root and serve so that `coderun --http :8080` works too.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveHTTPAddr, "http", "", "enable the HTTP API on this address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveNoStdio, "no-stdio", false, "do not serve MCP on stdin/stdout")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	if serveHTTPAddr != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{}
		}
		cfg.Gateways.HTTP.Enabled = true
		cfg.Gateways.HTTP.ListenAddr = serveHTTPAddr
	}

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Temp sweeper.
	if cfg.Sandbox.Sweeper.Enabled {
		var sweeperMetrics *sandbox.SweeperMetrics
		if sc.Obs.Metrics != nil {
			sweeperMetrics = sandbox.NewSweeperMetrics(sc.Obs.Metrics.Registry)
		}
		sweeper, err := sandbox.NewSweeper(sc.Manager, sandbox.SweeperConfig{
			Schedule: cfg.Sandbox.Sweeper.Schedule,
			MaxAge:   time.Duration(cfg.Sandbox.Sweeper.MaxAgeSeconds) * time.Second,
		}, sweeperMetrics, logger)
		if err != nil {
			return err
		}
		stopSweeper, err := sweeper.Start(ctx)
		if err != nil {
			return err
		}
		defer stopSweeper()
	}

	gateways := buildGateways(sc)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled: stdio is off and gateways.http is not enabled")
	}
	logger.Info("coderun starting",
		slog.String("version", version),
		slog.Int("gateways", len(gateways)),
		slog.Any("tools", sc.ToolReg.List()),
	)

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// The MCP client closing stdin ends the stdio gateway with a nil error,
	// which is a normal shutdown.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		} else {
			logger.Info("gateway exited")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	// Kill whatever is still running before the journal closes.
	sc.Manager.Shutdown()
	return nil
}

func buildGateways(sc *SharedComponents) []gateway.Gateway {
	var gws []gateway.Gateway

	if !serveNoStdio {
		srv := mcpserver.New(sc.ToolReg, mcpserver.DefaultName, version, sc.Logger)
		gws = append(gws, mcpserver.NewStdioGateway(srv))
	}

	if h := sc.Config.Gateways.HTTP; h != nil && h.Enabled {
		hcfg := httpapi.Config{
			ListenAddr:     h.ListenAddr,
			EnableDocs:     h.EnableDocs,
			APIKeys:        h.APIKeys,
			MaxRequestSize: h.MaxRequestSizeBytes,
			HealthChecker:  sc.Obs.Health,
			Metrics:        sc.Obs.MetricsOrNil(),
		}
		if sc.Obs.Metrics != nil {
			hcfg.MetricsRegistry = sc.Obs.Metrics.Registry
			if o := sc.Config.Observability; o != nil && o.Metrics != nil {
				hcfg.MetricsPath = o.Metrics.Path
			}
		}
		if sc.Obs.Tracer != nil {
			hcfg.Tracer = sc.Obs.Tracer.Tracer()
		}

		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: h.RateLimit.RequestsPerMinute,
			BurstSize:         h.RateLimit.BurstSize,
		})
		if len(h.APIKeys) == 0 {
			sc.Logger.Warn("http api has no api keys configured, authentication is off")
		}
		gws = append(gws, httpapi.NewGateway(hcfg, sc.ToolReg, sc.Store, limiter, sc.Logger))
	}

	return gws
}
