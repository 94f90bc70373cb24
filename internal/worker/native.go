package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/outpost-run/outpost/internal/logbuf"
)

const defaultBufLines = 1000

// NativeConfig describes a worker launched by fork/exec on this host.
type NativeConfig struct {
	// Path is the worker executable.
	Path string
	// Args are passed verbatim; a {{addr}} element is replaced with the
	// listen address, otherwise the address is appended.
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
	// Dir is the working directory. Empty means inherit.
	Dir string
	// BufLines sizes the output ring buffer. 0 for default.
	BufLines int
}

// Native supervises a fork/exec'd worker process. The whole process group
// is signaled on shutdown so worker children do not linger.
type Native struct {
	cfg NativeConfig

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	buf       *logbuf.Ring
	done      chan struct{}
}

// NewNative creates an unstarted native launcher.
func NewNative(cfg NativeConfig) *Native {
	lines := cfg.BufLines
	if lines <= 0 {
		lines = defaultBufLines
	}
	return &Native{
		cfg:   cfg,
		state: StateNotStarted,
		buf:   logbuf.New(lines),
	}
}

// Start spawns the worker with addr as its connection parameter. A missing
// or unlaunchable executable yields a *SpawnError.
func (n *Native) Start(ctx context.Context, addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateNotStarted {
		return fmt.Errorf("worker already started (state %s)", n.state)
	}

	args := substituteAddr(n.cfg.Args, addr)
	cmd := exec.CommandContext(ctx, n.cfg.Path, args...)
	cmd.Env = append(os.Environ(), n.cfg.Env...)
	if n.cfg.Dir != "" {
		cmd.Dir = n.cfg.Dir
	}
	cmd.Stdout = n.buf
	cmd.Stderr = n.buf

	// Own process group so Shutdown/Kill reach worker children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		n.state = StateFailed
		n.exitErr = err.Error()
		return &SpawnError{Path: n.cfg.Path, Err: err}
	}

	n.cmd = cmd
	n.state = StateRunning
	n.startedAt = time.Now()
	n.done = make(chan struct{})

	go n.reap()
	return nil
}

// reap waits for process exit and records its outcome.
func (n *Native) reap() {
	err := n.cmd.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case n.state == StateStopping:
		n.state = StateExited
	case err == nil:
		n.state = StateExited
	default:
		n.state = StateFailed
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			n.exitCode = exitErr.ExitCode()
		} else {
			n.exitCode = -1
		}
		n.exitErr = err.Error()
	}

	close(n.done)
}

// Shutdown signals SIGTERM to the worker's process group and waits up to
// grace for exit. On timeout the worker is left running and OutcomeTimedOut
// is reported; escalation is the caller's decision.
func (n *Native) Shutdown(ctx context.Context, grace time.Duration) (ShutdownOutcome, error) {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return OutcomeExited, nil
	}
	n.state = StateStopping
	pid := n.cmd.Process.Pid
	done := n.done
	n.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return OutcomeExited, nil
	case <-timer.C:
		return OutcomeTimedOut, nil
	case <-ctx.Done():
		return OutcomeTimedOut, ctx.Err()
	}
}

// Kill force-terminates the worker's process group and waits for the
// reaper, bounded so a zombie cannot hang the caller.
func (n *Native) Kill() error {
	n.mu.Lock()
	if n.cmd == nil || n.cmd.Process == nil {
		n.mu.Unlock()
		return nil
	}
	if n.state != StateRunning && n.state != StateStopping {
		n.mu.Unlock()
		return nil
	}
	pid := n.cmd.Process.Pid
	done := n.done
	n.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGKILL)

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("worker pid %d did not exit after SIGKILL", pid)
	}
}

// Info returns a snapshot of the worker process.
func (n *Native) Info() Info {
	n.mu.Lock()
	defer n.mu.Unlock()

	info := Info{
		State:     n.state,
		StartedAt: n.startedAt,
		ExitCode:  n.exitCode,
		Err:       n.exitErr,
	}
	if n.cmd != nil && n.cmd.Process != nil {
		info.PID = n.cmd.Process.Pid
	}
	return info
}

// Done is closed once the process has been reaped.
func (n *Native) Done() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done == nil {
		// Never started: a closed channel keeps callers from blocking forever.
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return n.done
}

// OutputTail returns the last n captured output lines.
func (n *Native) OutputTail(lines int) []string {
	return n.buf.Tail(lines)
}
