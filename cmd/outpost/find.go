package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/outpost-run/outpost/internal/engine"
	"github.com/outpost-run/outpost/internal/protocol"
	"github.com/outpost-run/outpost/internal/runner"
	"github.com/outpost-run/outpost/internal/settings"
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Discover tests without running them",
	Long:  "Launch the worker, stream the tests it discovers, and print them.",
	RunE:  runFind,
}

func init() {
	addSessionFlags(findCmd)
	rootCmd.AddCommand(findCmd)
}

func runFind(cmd *cobra.Command, args []string) error {
	return runSession(findPass)
}

func findPass(ctx context.Context, r *runner.Runner, s *settings.RunSettings) error {
	name, err := r.WorkerName(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("discovering tests via %s\n\n", name)

	done := make(chan struct{})
	var summary protocol.DiscoverySummary
	var summaryErr error

	token, err := r.Find(ctx, s, func(msg *protocol.Message) bool {
		switch msg.Kind {
		case protocol.KindTestCaseDiscovered:
			var tc protocol.TestCase
			if err := msg.DecodePayload(&tc); err != nil {
				slog.Warn("undecodable test case", "error", err)
				return true
			}
			fmt.Printf("  %s\n", tc.DisplayName)
			return true
		case protocol.KindDiscoveryComplete:
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
	if summaryErr != nil {
		return fmt.Errorf("worker sent an undecodable discovery summary: %w", summaryErr)
	}
	fmt.Printf("\n%d test(s) discovered\n", summary.Found)
	return nil
}

// awaitOperation waits for an operation's terminal message, bailing out if
// the session is cancelled or the connection faults mid-stream.
func awaitOperation(ctx context.Context, r *runner.Runner, done <-chan struct{}) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.State() == engine.StateFaulted {
				return errors.New("worker connection faulted mid-operation")
			}
		}
	}
}
