package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/analyzer"
	"github.com/jkaninda/coderun/internal/tools/code"
)

// Exit codes for the analyze and run commands.
const (
	ExitSuccess  = 0
	ExitFailure  = 1
	ExitRejected = 2
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file|->",
	Short: "Run the security analysis on a file without executing it",
	Long: `Run the static safety analysis on a JavaScript or TypeScript file and print
the verdict. Use "-" to read from stdin.

Exit codes:
  0  code is safe to execute
  1  the file could not be read
  2  issues found`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	src, err := readSource(args[0])
	if err != nil {
		return err
	}

	if limit := cfg.Sandbox.Security.MaxCodeLengthBytes; len(src) > limit {
		fmt.Fprintf(cmd.OutOrStdout(), "Validation failed: code length exceeds maximum allowed size of %d bytes\n", limit)
		os.Exit(ExitRejected)
	}

	an := analyzer.New(analyzer.Config{Timeout: cfg.Sandbox.Security.AnalysisTimeout()}, newLogger(cfg.Log))
	res := an.Analyze(context.Background(), src)
	fmt.Fprint(cmd.OutOrStdout(), code.FormatVerdict(res))
	if !res.Safe {
		os.Exit(ExitRejected)
	}
	return nil
}

func readSource(arg string) (string, error) {
	if arg == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", arg, err)
	}
	return string(data), nil
}
