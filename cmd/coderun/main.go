// coderun serves a sandboxed JavaScript and TypeScript interpreter over MCP.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coderun",
	Short: "coderun: a sandboxed JavaScript/TypeScript interpreter for MCP clients.",
	Long: `coderun runs JavaScript and TypeScript submitted by MCP clients in short-lived
child processes. Every submission is size-checked and statically analyzed before
it touches disk, executions are bounded by a concurrency ceiling and a timeout,
and the temp file is removed whatever the outcome.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(serveCmd, analyzeCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr; stdout belongs to the MCP transport.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
