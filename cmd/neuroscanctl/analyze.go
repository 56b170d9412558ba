package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/neuroscan/internal/analyzer"
	"github.com/kiranshivaraju/neuroscan/internal/parser"
)

// newAnalyzeCmd runs the analyzer locally, without a server, and prints the
// classification the server would record.
func newAnalyzeCmd() *cobra.Command {
	var (
		analyzerPath string
		analyzerArgs string
		outDir       string
		policyFile   string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Run the analyzer locally on one image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if analyzerPath == "" {
				return fmt.Errorf("analyzer path is required (--analyzer or ANALYZER_PATH)")
			}
			policy, err := parser.LoadPolicy(policyFile)
			if err != nil {
				return err
			}

			if outDir == "" {
				outDir, err = os.MkdirTemp("", "neuroscan-analyze-")
				if err != nil {
					return err
				}
			}
			if err := os.MkdirAll(outDir, 0o750); err != nil {
				return err
			}
			input, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			inv := analyzer.NewInvoker(analyzer.Command{
				Path:    analyzerPath,
				Args:    strings.Fields(analyzerArgs),
				Timeout: timeout,
			})
			out, err := inv.Invoke(cmd.Context(), input, outDir)
			if err != nil {
				return err
			}
			if out.TimedOut {
				return fmt.Errorf("analyzer timed out after %s", out.Duration().Round(time.Millisecond))
			}
			if out.ExitCode != 0 {
				return fmt.Errorf("analyzer exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"result":      policy.Result(parser.Parse(out.Stdout)),
				"output_dir":  outDir,
				"duration_ms": out.Duration().Milliseconds(),
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&analyzerPath, "analyzer", os.Getenv("ANALYZER_PATH"), "analyzer executable (env ANALYZER_PATH)")
	f.StringVar(&analyzerArgs, "analyzer-args", os.Getenv("ANALYZER_ARGS"), "space-separated argument prefix (env ANALYZER_ARGS)")
	f.StringVar(&outDir, "out", "", "output directory (temporary when empty)")
	f.StringVar(&policyFile, "policy", os.Getenv("RISK_POLICY_FILE"), "risk policy YAML (env RISK_POLICY_FILE)")
	f.DurationVar(&timeout, "timeout", 5*time.Minute, "analyzer timeout")
	return cmd
}
