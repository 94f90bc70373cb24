// Package runner is the front door: it assembles the listener, worker
// launcher, operation registry, and engine into one object that callers
// drive with find and find-and-run operations.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-run/outpost/internal/diag"
	"github.com/outpost-run/outpost/internal/engine"
	"github.com/outpost-run/outpost/internal/metrics"
	"github.com/outpost-run/outpost/internal/port"
	"github.com/outpost-run/outpost/internal/route"
	"github.com/outpost-run/outpost/internal/settings"
	"github.com/outpost-run/outpost/internal/transport"
	"github.com/outpost-run/outpost/internal/worker"
)

// ErrNotSupported is returned by Run. Workers execute tests only as the
// second phase of a find-and-run; there is no execute-without-discovery
// path on the wire.
var ErrNotSupported = errors.New("runner: direct execution without discovery is not supported, use FindAndRun")

// Config describes one runner: which worker to launch and how to talk to it.
type Config struct {
	// WorkerPath is the worker executable for native launches.
	WorkerPath string
	// WorkerArgs are passed to the worker; {{addr}} is replaced with the
	// listen address, otherwise the address is appended.
	WorkerArgs []string
	// WorkerEnv entries are added to the worker's environment.
	WorkerEnv []string
	// WorkerDir is the worker's working directory.
	WorkerDir string

	// ContainerImage, when set, launches the worker in a Docker container
	// instead of a native process. WorkerPath is ignored.
	ContainerImage string
	// ContainerName labels the container. Defaults to a generated name.
	ContainerName string

	// Host is the listen host the worker dials back to.
	Host string
	// Ports, when set, restricts the listen port to a bounded range.
	Ports *port.Allocator

	// Diag receives human-readable status lines.
	Diag diag.Sink
	// Metrics, when set, counts wire traffic and faults.
	Metrics *metrics.Metrics

	ReadyTimeout   time.Duration
	ShutdownGrace  time.Duration
	HeartbeatStall time.Duration

	// Launcher overrides worker construction. Used by tests.
	Launcher worker.Launcher
}

// Runner owns one worker and the operations in flight against it.
type Runner struct {
	cfg      Config
	logger   *slog.Logger
	launcher worker.Launcher
	registry *route.Registry
	engine   *engine.Engine
}

// New assembles a runner. The worker is not launched until Start.
func New(cfg Config) (*Runner, error) {
	launcher := cfg.Launcher
	if launcher == nil {
		var err error
		launcher, err = buildLauncher(cfg)
		if err != nil {
			return nil, err
		}
	}

	registry := route.NewRegistry()
	listener := transport.NewListener(transport.Config{
		Host:  cfg.Host,
		Ports: cfg.Ports,
		Owner: "runner-" + uuid.NewString()[:8],
	})

	eng, err := engine.New(engine.Config{
		Listener:       listener,
		Launcher:       launcher,
		Registry:       registry,
		Diag:           cfg.Diag,
		Metrics:        cfg.Metrics,
		ReadyTimeout:   cfg.ReadyTimeout,
		ShutdownGrace:  cfg.ShutdownGrace,
		HeartbeatStall: cfg.HeartbeatStall,
	})
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:      cfg,
		logger:   slog.With("component", "runner"),
		launcher: launcher,
		registry: registry,
		engine:   eng,
	}, nil
}

func buildLauncher(cfg Config) (worker.Launcher, error) {
	if cfg.ContainerImage != "" {
		name := cfg.ContainerName
		if name == "" {
			name = "worker-" + uuid.NewString()[:8]
		}
		return worker.NewContainer(worker.ContainerConfig{
			Name:  name,
			Image: cfg.ContainerImage,
			Args:  cfg.WorkerArgs,
			Env:   cfg.WorkerEnv,
		})
	}

	if cfg.WorkerPath == "" {
		return nil, errors.New("runner: a worker path or container image is required")
	}
	return worker.NewNative(worker.NativeConfig{
		Path: cfg.WorkerPath,
		Args: cfg.WorkerArgs,
		Env:  cfg.WorkerEnv,
		Dir:  cfg.WorkerDir,
	}), nil
}

// Start binds the listener and launches the worker. It returns once the
// worker process is spawned; use WaitReady or the operation methods to
// wait for the connection.
func (r *Runner) Start(ctx context.Context) error {
	return r.engine.Start(ctx)
}

// WaitReady blocks until the worker handshake completes or the ready
// window elapses.
func (r *Runner) WaitReady(ctx context.Context) error {
	return r.engine.WaitReady(ctx)
}

// Find starts a discovery operation. sink receives every message for the
// operation in arrival order; routing stops after a terminal message or
// when the sink returns false. The returned token identifies the operation.
func (r *Runner) Find(ctx context.Context, s *settings.RunSettings, sink route.Sink) (string, error) {
	if s == nil {
		s = settings.Default()
	}
	if err := s.Validate(); err != nil {
		return "", err
	}

	token := uuid.NewString()
	r.registry.Register(token, sink)
	r.logger.Debug("starting discovery", "token", token)

	if err := r.engine.SendFind(ctx, token, s.FindRequest()); err != nil {
		r.registry.Unregister(token)
		return "", fmt.Errorf("starting discovery: %w", err)
	}
	return token, nil
}

// FindAndRun starts a discover-and-execute operation. The sink sees
// discovery messages first, then per-test results, then run-complete.
func (r *Runner) FindAndRun(ctx context.Context, s *settings.RunSettings, sink route.Sink) (string, error) {
	if s == nil {
		s = settings.Default()
	}
	if err := s.Validate(); err != nil {
		return "", err
	}
	req, err := s.RunRequest()
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	r.registry.Register(token, sink)
	r.logger.Debug("starting run", "token", token)

	if err := r.engine.SendRun(ctx, token, req); err != nil {
		r.registry.Unregister(token)
		return "", fmt.Errorf("starting run: %w", err)
	}
	return token, nil
}

// Run would execute previously discovered cases without re-discovering.
// The wire protocol has no such request, so this always fails.
func (r *Runner) Run(context.Context, *settings.RunSettings, route.Sink) (string, error) {
	return "", ErrNotSupported
}

// Cancel abandons an in-flight operation: its sink receives nothing
// further. The worker is not told; any remaining messages for the token
// are dropped as unroutable.
func (r *Runner) Cancel(token string) {
	r.registry.Unregister(token)
}

// WorkerName returns the display name from the worker's handshake.
func (r *Runner) WorkerName(ctx context.Context) (string, error) {
	return r.engine.WorkerName(ctx)
}

// WorkerUID returns the unique id from the worker's handshake.
func (r *Runner) WorkerUID(ctx context.Context) (string, error) {
	return r.engine.WorkerUID(ctx)
}

// State reports the engine lifecycle state.
func (r *Runner) State() engine.State {
	return r.engine.State()
}

// WorkerInfo returns a snapshot of the worker process.
func (r *Runner) WorkerInfo() worker.Info {
	return r.launcher.Info()
}

// Kill force-terminates the worker. Explicit escalation for when Close
// reports the worker outlived its grace period.
func (r *Runner) Kill() error {
	return r.launcher.Kill()
}

// Close tears down the connection, then asks the worker to exit.
// Idempotent.
func (r *Runner) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}
