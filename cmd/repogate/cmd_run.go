package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repogate/internal/dispatch"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Process an agent output stream",
	Long: `Reads agent output from the given file (or stdin when omitted),
recognizes every bracketed operation and executes it in source order.
Outcomes are printed one per operation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStream,
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "emit outcomes as JSON lines")
}

func runStream(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, err := buildBroker(ctx, false)
	if err != nil {
		return err
	}
	defer b.Close()

	var input io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		input = f
	}

	outcomes, err := b.dispatcher.Process(ctx, input)
	if err != nil {
		return err
	}
	logger.Info("stream processed", zap.Int("operations", len(outcomes)))

	failures := 0
	for _, out := range outcomes {
		if !out.Success {
			failures++
		}
		if runJSON {
			line, err := json.Marshal(out)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			continue
		}
		printOutcome(out)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d operations failed", failures, len(outcomes))
	}
	return nil
}

func printOutcome(out dispatch.Outcome) {
	status := "ok"
	if !out.Success {
		status = "FAIL " + out.Code
	}
	fmt.Printf("[%s] %s %s (%s)\n", status, out.Kind, out.Target, out.Elapsed.Round(0))
	if out.Message != "" {
		fmt.Printf("    %s\n", out.Message)
	}
	if out.Content != "" {
		fmt.Println(indent(out.Content))
	}
	for _, hit := range out.Results {
		fmt.Printf("    %.3f %s (%d lines, %d bytes)\n",
			hit.Similarity, hit.Path, hit.Lines, hit.SizeBytes)
	}
	if out.Execution != nil {
		fmt.Printf("    phase=%s exit=%d backend=%s\n",
			out.Execution.Phase, out.Execution.ExitCode, out.Execution.Backend)
		if out.Execution.Stdout != "" {
			fmt.Println(indent(out.Execution.Stdout))
		}
		if out.Execution.Stderr != "" {
			fmt.Println(indent(out.Execution.Stderr))
		}
		if out.Execution.Truncated {
			fmt.Printf("    (output truncated, %d bytes discarded)\n", out.Execution.Discarded)
		}
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "    | " + line
	}
	return strings.Join(lines, "\n")
}
