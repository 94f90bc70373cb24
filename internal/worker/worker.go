// Package worker spawns and supervises the external test worker process.
// The supervisor owns OS process identity and exit status only; it never
// touches protocol traffic.
package worker

import (
	"context"
	"fmt"
	"time"
)

// State is the lifecycle state of a supervised worker process.
type State string

const (
	StateNotStarted State = "not-started"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateExited     State = "exited"
	StateFailed     State = "failed"
)

// ShutdownOutcome reports how a graceful shutdown concluded.
type ShutdownOutcome string

const (
	// OutcomeExited means the worker left within the grace period.
	OutcomeExited ShutdownOutcome = "exited"
	// OutcomeTimedOut means the worker is still running after the grace
	// period. The supervisor reports this and leaves forced termination
	// to the caller via Kill.
	OutcomeTimedOut ShutdownOutcome = "timed-out"
)

// Info is a read-only snapshot of the worker process.
type Info struct {
	PID       int
	State     State
	StartedAt time.Time
	ExitCode  int
	Err       string
}

// Launcher manages one worker process's lifetime. Start hands the worker
// the connection address it must dial back on.
type Launcher interface {
	// Start spawns the worker. addr is the front end's listen address,
	// passed to the worker as its single connection parameter.
	Start(ctx context.Context, addr string) error

	// Shutdown asks the worker to leave and waits up to grace. A timeout
	// is reported through the outcome, never by force-killing.
	Shutdown(ctx context.Context, grace time.Duration) (ShutdownOutcome, error)

	// Kill forcibly terminates the worker. Explicit escalation only.
	Kill() error

	// Info returns the current process snapshot.
	Info() Info

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// OutputTail returns the last n lines of combined stdout/stderr,
	// kept for diagnostics.
	OutputTail(n int) []string
}

// SpawnError reports that the worker executable could not be launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning worker %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// addrPlaceholder in an argument list is replaced with the listen address.
// Without it the address is appended as the final argument.
const addrPlaceholder = "{{addr}}"

func substituteAddr(args []string, addr string) []string {
	out := make([]string, 0, len(args)+1)
	replaced := false
	for _, a := range args {
		if a == addrPlaceholder {
			out = append(out, addr)
			replaced = true
			continue
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, addr)
	}
	return out
}
