package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/outpost-run/outpost/internal/protocol"
	"github.com/outpost-run/outpost/internal/runner"
	"github.com/outpost-run/outpost/internal/settings"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Discover and execute tests",
	Long:  "Launch the worker, run every test matching the filters, and stream results.",
	RunE:  runRun,
}

func init() {
	addSessionFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	return runSession(runPass)
}

func runPass(ctx context.Context, r *runner.Runner, s *settings.RunSettings) error {
	name, err := r.WorkerName(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("running tests via %s\n\n", name)

	done := make(chan struct{})
	var summary protocol.RunSummary
	var summaryErr error

	token, err := r.FindAndRun(ctx, s, func(msg *protocol.Message) bool {
		switch msg.Kind {
		case protocol.KindTestPassed:
			printResult("PASS", msg)
			return true
		case protocol.KindTestFailed:
			printResult("FAIL", msg)
			return true
		case protocol.KindTestSkipped:
			printResult("SKIP", msg)
			return true
		case protocol.KindRunComplete:
			summaryErr = msg.DecodePayload(&summary)
			close(done)
			return false
		default:
			return true
		}
	})
	if err != nil {
		return err
	}
	defer r.Cancel(token)

	if err := awaitOperation(ctx, r, done); err != nil {
		return err
	}
	// done closing happens-before this read of summary and summaryErr.
	if summaryErr != nil {
		return fmt.Errorf("worker sent an undecodable run summary: %w", summaryErr)
	}

	fmt.Printf("\n%d total: %d passed, %d failed, %d skipped in %s\n",
		summary.Total, summary.Passed, summary.Failed, summary.Skipped,
		(time.Duration(summary.DurationMS) * time.Millisecond).Round(time.Millisecond))

	if summary.Failed > 0 {
		return fmt.Errorf("%d test(s) failed", summary.Failed)
	}
	return nil
}

func printResult(verdict string, msg *protocol.Message) {
	var res protocol.TestResult
	if err := msg.DecodePayload(&res); err != nil {
		slog.Warn("undecodable test result", "kind", msg.Kind, "error", err)
		return
	}
	line := fmt.Sprintf("%s %s", verdict, res.DisplayName)
	if res.DurationMS > 0 {
		line += fmt.Sprintf(" (%dms)", res.DurationMS)
	}
	if res.Reason != "" {
		line += "\n     " + res.Reason
	}
	fmt.Println(line)
}
