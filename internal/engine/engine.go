// Package engine drives one worker connection end to end: it binds the
// listener, spawns the worker, performs the hello handshake, and pumps
// inbound messages into the operation registry until the connection ends.
//
// The engine moves through a strict lifecycle:
//
//	not-started → listening → connected → closed
//
// with faulted reachable from any non-terminal state. Faulted and closed
// are terminal; a faulted engine never becomes closed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/outpost-run/outpost/internal/diag"
	"github.com/outpost-run/outpost/internal/metrics"
	"github.com/outpost-run/outpost/internal/protocol"
	"github.com/outpost-run/outpost/internal/route"
	"github.com/outpost-run/outpost/internal/transport"
	"github.com/outpost-run/outpost/internal/worker"
)

// State is the engine lifecycle state.
type State string

const (
	StateNotStarted State = "not-started"
	StateListening  State = "listening"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
	StateFaulted    State = "faulted"
)

// terminal reports whether s admits no further transitions.
func terminal(s State) bool {
	return s == StateClosed || s == StateFaulted
}

// ErrNotReady is returned when the worker has not completed its handshake
// within the allowed wait.
var ErrNotReady = errors.New("engine: worker not ready")

// ErrFaulted is returned for operations attempted on a faulted engine.
var ErrFaulted = errors.New("engine: connection faulted")

// ErrClosed is returned for operations attempted after Close.
var ErrClosed = errors.New("engine: closed")

const (
	defaultReadyTimeout  = 60 * time.Second
	defaultShutdownGrace = 10 * time.Second
)

// Config assembles an engine from its collaborators. Listener, Launcher,
// and Registry are required.
type Config struct {
	Listener *transport.Listener
	Launcher worker.Launcher
	Registry *route.Registry

	// Diag receives human-readable status lines. Defaults to diag.Discard.
	Diag diag.Sink

	// Metrics, when set, counts wire traffic and faults.
	Metrics *metrics.Metrics

	// ReadyTimeout bounds how long WaitReady and the send paths wait for
	// the handshake. Defaults to 60s.
	ReadyTimeout time.Duration

	// ShutdownGrace is how long Close waits for the worker to exit after
	// asking it to. Defaults to 10s.
	ShutdownGrace time.Duration

	// HeartbeatStall, when positive, emits a diagnostic if the worker
	// stops sending heartbeats for this long. Zero disables monitoring.
	HeartbeatStall time.Duration
}

// Engine owns one worker connection. All exported methods are safe for
// concurrent use.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	registry *route.Registry
	diag     diag.Sink
	met      *metrics.Metrics

	// unroutable throttles diagnostics for messages that match no pending
	// operation, so a confused worker cannot flood the sink.
	unroutable *rate.Limiter

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	conn       net.Conn
	wr         *protocol.Writer
	workerName string
	workerUID  string
	closing    bool
	hb         *heartbeatMonitor

	readerDone chan struct{}
}

// New assembles an engine. Nothing runs until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Listener == nil || cfg.Launcher == nil || cfg.Registry == nil {
		return nil, errors.New("engine: listener, launcher, and registry are required")
	}
	if cfg.Diag == nil {
		cfg.Diag = diag.Discard
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	e := &Engine{
		cfg:        cfg,
		logger:     slog.With("component", "engine"),
		registry:   cfg.Registry,
		diag:       cfg.Diag,
		met:        cfg.Metrics,
		unroutable: rate.NewLimiter(rate.Every(time.Second), 5),
		state:      StateNotStarted,
		readerDone: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e, nil
}

// Start binds the listener, spawns the worker with the bound address, and
// begins waiting for the dial-back connection. If the worker cannot be
// spawned the listener is released and no resources remain bound.
//
// Only one Start can win: the transition out of not-started is claimed
// atomically, so a concurrent Start fails at the gate. That also keeps
// readerDone single-owner — it is closed by the failing path here when
// serve was never spawned, or by serve's exit, never both.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateNotStarted {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine: start from state %s", state)
	}
	e.logger.Debug("state transition", "from", e.state, "to", StateListening)
	e.state = StateListening
	e.cond.Broadcast()
	e.mu.Unlock()

	addr, err := e.cfg.Listener.Start()
	if err != nil {
		e.setState(StateFaulted)
		close(e.readerDone)
		return err
	}

	if err := e.cfg.Launcher.Start(ctx, addr); err != nil {
		e.cfg.Listener.Close()
		e.setState(StateFaulted)
		close(e.readerDone)
		return err
	}

	e.diag.Message(fmt.Sprintf("worker launched, awaiting connection on %s", addr))

	go e.serve(ctx)
	return nil
}

// serve accepts the worker connection, runs the handshake, and pumps
// messages until the connection ends.
func (e *Engine) serve(ctx context.Context) {
	defer close(e.readerDone)

	// Accept blocks until the worker dials back, ctx is cancelled, or the
	// engine is closed. The ready window belongs to WaitReady and the send
	// paths; a worker that never connects leaves the engine listening until
	// the caller gives up and closes it.
	conn, err := e.cfg.Listener.Accept(ctx)
	if err != nil {
		if e.isClosing() {
			return
		}
		e.fault("worker never connected", err)
		return
	}

	fr := protocol.NewReader(conn)

	// A worker that connects but never speaks must not hang the reader.
	conn.SetReadDeadline(time.Now().Add(e.cfg.ReadyTimeout))
	hello, err := e.handshake(fr)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		if !e.isClosing() {
			e.fault("handshake failed", err)
		}
		return
	}

	e.mu.Lock()
	if e.closing || terminal(e.state) {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conn = conn
	e.wr = protocol.NewWriter(conn)
	e.workerName = hello.DisplayName
	e.workerUID = hello.UID
	if e.cfg.HeartbeatStall > 0 {
		e.hb = newHeartbeatMonitor(e.cfg.HeartbeatStall, e.diag)
		e.hb.start()
	}
	e.mu.Unlock()

	e.diag.Message(fmt.Sprintf("worker connected: %s (%s, protocol %s)",
		hello.DisplayName, hello.UID, hello.Version))
	e.setState(StateConnected)

	e.readLoop(fr)
}

// handshake reads and validates the worker's hello.
func (e *Engine) handshake(fr *protocol.Reader) (*protocol.Hello, error) {
	msg, err := fr.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if msg.Kind != protocol.KindHello {
		return nil, fmt.Errorf("expected hello, got %s", msg.Kind)
	}

	var hello protocol.Hello
	if err := msg.DecodePayload(&hello); err != nil {
		return nil, err
	}
	if hello.UID == "" {
		return nil, errors.New("hello carries no worker uid")
	}
	if major(hello.Version) != major(protocol.Version) {
		return nil, fmt.Errorf("worker speaks protocol %s, this build speaks %s",
			hello.Version, protocol.Version)
	}
	return &hello, nil
}

func major(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}

// readLoop is the single reader: it alone pulls frames off the connection,
// which is what guarantees per-token ordering through the registry.
func (e *Engine) readLoop(fr *protocol.Reader) {
	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			if e.isClosing() {
				return
			}
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				e.fault("worker connection dropped", err)
			} else {
				e.fault("protocol violation", err)
			}
			return
		}

		if e.met != nil {
			e.met.MessagesReceived.WithLabelValues(string(msg.Kind)).Inc()
		}

		if msg.Op == "" {
			e.handleConnectionLevel(msg)
			continue
		}

		known := e.registry.Contains(msg.Op)
		e.registry.Dispatch(msg.Op, msg)
		if !known {
			if e.met != nil {
				e.met.Unroutable.Inc()
			}
			if e.unroutable.Allow() {
				e.diag.Message(fmt.Sprintf("dropping %s message for unknown operation %s", msg.Kind, msg.Op))
			}
		}
	}
}

// handleConnectionLevel deals with token-less traffic: heartbeats and
// worker diagnostics.
func (e *Engine) handleConnectionLevel(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindHeartbeat:
		e.mu.Lock()
		hb := e.hb
		e.mu.Unlock()
		if hb != nil {
			hb.beat()
		}
	case protocol.KindDiagnostic:
		var d protocol.Diagnostic
		if err := msg.DecodePayload(&d); err != nil {
			e.logger.Warn("undecodable diagnostic from worker", "error", err)
			return
		}
		e.diag.Message(d.Text)
	case protocol.KindHello:
		e.logger.Warn("ignoring duplicate hello")
	default:
		if e.unroutable.Allow() {
			e.diag.Message(fmt.Sprintf("dropping %s message with no operation token", msg.Kind))
		}
	}
}

// fault transitions to faulted: it reports the failure, marks every pending
// operation as abandoned, and tears the connection down. Already-terminal
// states are left alone.
func (e *Engine) fault(reason string, cause error) {
	e.mu.Lock()
	if terminal(e.state) || e.closing {
		e.mu.Unlock()
		return
	}
	conn := e.conn
	hb := e.hb
	e.mu.Unlock()

	if cause != nil {
		e.diag.Message(fmt.Sprintf("connection fault: %s: %v", reason, cause))
	} else {
		e.diag.Message("connection fault: " + reason)
	}
	if pending := e.registry.Tokens(); len(pending) > 0 {
		e.diag.Message(fmt.Sprintf("%d operation(s) abandoned: %s",
			len(pending), strings.Join(pending, ", ")))
	}
	e.logger.Error("engine faulted", "reason", reason, "error", cause)
	if e.met != nil {
		e.met.Faults.Inc()
	}

	e.setState(StateFaulted)

	if hb != nil {
		hb.stop()
	}
	if conn != nil {
		conn.Close()
	}
	e.cfg.Listener.Close()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if terminal(e.state) {
		return
	}
	e.logger.Debug("state transition", "from", e.state, "to", s)
	e.state = s
	e.cond.Broadcast()
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// WaitReady blocks until the worker handshake completes, the wait window
// elapses, ctx is cancelled, or the engine reaches a terminal state. The
// window is the configured ReadyTimeout, or the context deadline if sooner.
func (e *Engine) WaitReady(ctx context.Context) error {
	deadline := time.Now().Add(e.cfg.ReadyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Wake the cond on timeout or cancellation so the loop can re-check.
	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	stop := context.AfterFunc(wctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		switch e.state {
		case StateConnected:
			return nil
		case StateFaulted:
			return ErrFaulted
		case StateClosed:
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s in state %s", ErrNotReady, e.cfg.ReadyTimeout, e.state)
		}
		e.cond.Wait()
	}
}

// WorkerName returns the display name the worker reported in its hello,
// blocking until the handshake completes. It never invents a default.
func (e *Engine) WorkerName(ctx context.Context) (string, error) {
	if err := e.WaitReady(ctx); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workerName, nil
}

// WorkerUID returns the unique id the worker reported in its hello,
// blocking until the handshake completes.
func (e *Engine) WorkerUID(ctx context.Context) (string, error) {
	if err := e.WaitReady(ctx); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workerUID, nil
}

// SendFind sends a discovery request correlated to token. The caller must
// have registered a sink for the token beforehand, or early results race
// the registration.
func (e *Engine) SendFind(ctx context.Context, token string, req protocol.FindRequest) error {
	return e.send(ctx, token, protocol.KindFind, req)
}

// SendRun sends a discover-and-execute request correlated to token.
func (e *Engine) SendRun(ctx context.Context, token string, req protocol.RunRequest) error {
	return e.send(ctx, token, protocol.KindRun, req)
}

func (e *Engine) send(ctx context.Context, token string, kind protocol.Kind, payload any) error {
	if token == "" {
		return errors.New("engine: operation token is empty")
	}
	if err := e.WaitReady(ctx); err != nil {
		return err
	}

	msg, err := protocol.New(token, kind, payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	wr := e.wr
	e.mu.Unlock()
	if wr == nil {
		return ErrClosed
	}

	if err := wr.WriteMessage(msg); err != nil {
		e.fault("writing to worker", err)
		return fmt.Errorf("sending %s: %w", kind, err)
	}
	if e.met != nil {
		e.met.OperationsSent.WithLabelValues(string(kind)).Inc()
	}
	return nil
}

// Close tears the engine down in two phases: first the transport, so no
// further messages arrive, then the worker process, which is asked to exit
// and given the shutdown grace. A worker that outlives the grace is
// reported through a diagnostic, never force-killed here; escalation is
// the caller's call via the launcher's Kill.
//
// Close is idempotent. A faulted engine stays faulted.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	started := e.state != StateNotStarted
	conn := e.conn
	hb := e.hb
	e.mu.Unlock()

	if hb != nil {
		hb.stop()
	}

	// Phase one: transport.
	e.cfg.Listener.Close()
	if conn != nil {
		conn.Close()
	}
	if started {
		<-e.readerDone
	}

	// Phase two: the worker process. The launcher no-ops if the process
	// already exited, so this never signals a dead worker twice.
	if started {
		outcome, err := e.cfg.Launcher.Shutdown(ctx, e.cfg.ShutdownGrace)
		switch {
		case err != nil:
			e.diag.Message(fmt.Sprintf("worker shutdown: %v", err))
		case outcome == worker.OutcomeTimedOut:
			e.diag.Message(fmt.Sprintf("worker still running after %s grace period", e.cfg.ShutdownGrace))
			if tail := e.cfg.Launcher.OutputTail(10); len(tail) > 0 {
				e.logger.Debug("worker output tail", "lines", tail)
			}
		}
	}

	e.setState(StateClosed)
	return nil
}
