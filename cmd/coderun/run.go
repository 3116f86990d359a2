package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/tools/code"
)

var runLanguage string

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Execute a file through the sandbox",
	Long: `Execute a JavaScript or TypeScript file under the same admission rules,
timeout and cleanup as the MCP tools. The language is taken from --language or
inferred from the file extension.

Exit codes:
  0  the program completed
  1  the program failed or timed out
  2  the code was rejected before running`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runLanguage, "language", "l", "", "javascript or typescript (default: from extension)")
}

func runRun(cmd *cobra.Command, args []string) error {
	lang, err := languageFor(args[0], runLanguage)
	if err != nil {
		return err
	}
	src, err := readSource(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	sc, err := initShared(cfg, logger, false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := sc.Executor.ExecuteCode(ctx, src, lang)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Execution failed: %v\n", err)
		sc.Cleanup()
		os.Exit(ExitRejected)
	}
	fmt.Fprintln(cmd.OutOrStdout(), code.FormatExecution(res))
	if res.State != sandbox.StateCompleted {
		sc.Cleanup()
		os.Exit(ExitFailure)
	}
	return nil
}

// languageFor honours an explicit flag, then the file extension.
func languageFor(path, flag string) (sandbox.Language, error) {
	if flag != "" {
		return sandbox.ParseLanguage(flag)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs", ".cjs":
		return sandbox.JavaScript, nil
	case ".ts", ".mts", ".cts":
		return sandbox.TypeScript, nil
	}
	return "", fmt.Errorf("cannot infer language from %q, pass --language", path)
}
