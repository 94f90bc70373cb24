package worker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/outpost-run/outpost/internal/logbuf"
)

// hostGateway is the in-container name for the host's loopback, where the
// front end listens.
const hostGateway = "host.docker.internal"

// ContainerConfig describes a worker launched inside a Docker container.
type ContainerConfig struct {
	// Name labels the container (prefixed "outpost-").
	Name string
	// Image is the worker container image.
	Image string
	// Args are the container command; {{addr}} substitution applies as
	// for native workers.
	Args []string
	// Env entries for the container (clean environment, nothing inherited).
	Env []string
	// BufLines sizes the output ring buffer. 0 for default.
	BufLines int
}

// Container supervises a Docker-contained worker. The listen address is
// rewritten so the worker dials the host gateway instead of the
// container's own loopback.
type Container struct {
	cfg ContainerConfig

	mu           sync.Mutex
	closeOnce    sync.Once
	client       *dockerclient.Client
	clientClosed bool
	id           string
	state        State
	startedAt    time.Time
	exitCode     int
	exitErr      string
	buf          *logbuf.Ring
	done         chan struct{}
}

// NewContainer creates an unstarted container launcher.
func NewContainer(cfg ContainerConfig) (*Container, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	lines := cfg.BufLines
	if lines <= 0 {
		lines = defaultBufLines
	}

	return &Container{
		cfg:    cfg,
		client: cli,
		state:  StateNotStarted,
		buf:    logbuf.New(lines),
	}, nil
}

// Start creates and starts the worker container, handing it the rewritten
// connection address.
func (c *Container) Start(ctx context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNotStarted {
		return fmt.Errorf("worker already started (state %s)", c.state)
	}

	name := "outpost-" + c.cfg.Name
	// A stale container from a crashed run would block the name.
	c.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	args := substituteAddr(c.cfg.Args, rewriteForContainer(addr))

	resp, err := c.client.ContainerCreate(ctx,
		&container.Config{
			Image: c.cfg.Image,
			Cmd:   args,
			Env:   c.cfg.Env,
		},
		&container.HostConfig{
			ExtraHosts: []string{hostGateway + ":host-gateway"},
			RestartPolicy: container.RestartPolicy{
				Name: container.RestartPolicyDisabled,
			},
		},
		nil, nil, name)
	if err != nil {
		c.state = StateFailed
		c.exitErr = err.Error()
		return &SpawnError{Path: c.cfg.Image, Err: err}
	}
	c.id = resp.ID

	if err := c.client.ContainerStart(ctx, c.id, container.StartOptions{}); err != nil {
		c.state = StateFailed
		c.exitErr = err.Error()
		c.client.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true})
		return &SpawnError{Path: c.cfg.Image, Err: err}
	}

	c.state = StateRunning
	c.startedAt = time.Now()
	c.done = make(chan struct{})

	go c.streamLogs(ctx)
	go c.reap()

	return nil
}

// rewriteForContainer swaps a loopback listen host for the host gateway
// name so the containerized worker can reach the front end.
func rewriteForContainer(addr string) string {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "127.0.0.1" || host == "localhost" || host == "::1" {
		return net.JoinHostPort(hostGateway, p)
	}
	return addr
}

// Shutdown sends SIGTERM to the container and waits up to grace. Docker's
// own stop escalation is bypassed so a timeout is reported rather than
// silently force-killed.
func (c *Container) Shutdown(ctx context.Context, grace time.Duration) (ShutdownOutcome, error) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return OutcomeExited, nil
	}
	c.state = StateStopping
	id := c.id
	done := c.done
	c.mu.Unlock()

	if err := c.client.ContainerKill(ctx, id, "SIGTERM"); err != nil {
		return OutcomeTimedOut, fmt.Errorf("signaling container: %w", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		c.remove()
		c.closeClient()
		return OutcomeExited, nil
	case <-timer.C:
		// Client stays open: the caller may still escalate via Kill.
		return OutcomeTimedOut, nil
	case <-ctx.Done():
		return OutcomeTimedOut, ctx.Err()
	}
}

// Kill force-terminates and removes the container.
func (c *Container) Kill() error {
	c.mu.Lock()
	id := c.id
	done := c.done
	running := c.state == StateRunning || c.state == StateStopping
	c.mu.Unlock()

	if !running || id == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("killing container: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("container %s did not exit after SIGKILL", id[:12])
	}
	c.remove()
	c.closeClient()
	return nil
}

func (c *Container) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.client.ContainerRemove(ctx, c.id, container.RemoveOptions{})
}

func (c *Container) reap() {
	statusCh, errCh := c.client.ContainerWait(
		context.Background(), c.id, container.WaitConditionNotRunning)

	var code int
	var errText string
	select {
	case err := <-errCh:
		code = -1
		if err != nil {
			errText = err.Error()
		}
	case status := <-statusCh:
		code = int(status.StatusCode)
		if status.Error != nil {
			errText = status.Error.Message
		}
	}

	c.mu.Lock()
	c.exitCode = code
	c.exitErr = errText
	wasStopping := c.state == StateStopping
	switch {
	case wasStopping:
		c.state = StateExited
	case code == 0 && errText == "":
		c.state = StateExited
	default:
		c.state = StateFailed
	}
	close(c.done)
	c.mu.Unlock()

	// Shutdown never runs after a natural exit, so release the client here.
	// Graceful and forced paths release it themselves once the container is
	// removed.
	if !wasStopping {
		c.closeClient()
	}
}

func (c *Container) closeClient() {
	c.closeOnce.Do(func() {
		c.client.Close()
		c.mu.Lock()
		c.clientClosed = true
		c.mu.Unlock()
	})
}

func (c *Container) streamLogs(ctx context.Context) {
	reader, err := c.client.ContainerLogs(ctx, c.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer reader.Close()

	// Docker multiplexes stdout/stderr with frame headers; StdCopy strips them.
	stdcopy.StdCopy(c.buf, c.buf, reader)
}

// Info returns a snapshot of the container worker. PID is not reported;
// the container id stands in for process identity.
func (c *Container) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		State:     c.state,
		StartedAt: c.startedAt,
		ExitCode:  c.exitCode,
		Err:       c.exitErr,
	}
}

// Done is closed once the container has exited.
func (c *Container) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// OutputTail returns the last n captured log lines.
func (c *Container) OutputTail(lines int) []string {
	return c.buf.Tail(lines)
}

// ID returns the Docker container id for external inspection.
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}
