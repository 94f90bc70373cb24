// Package transport owns the connection-oriented channel between the front
// end and its worker. Exactly one inbound connection is expected per
// listener: the one the spawned worker dials back on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/outpost-run/outpost/internal/port"
)

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("transport: listener closed")

// Config controls where the listener binds.
type Config struct {
	// Host to bind. Defaults to 127.0.0.1; the worker dials back here.
	Host string

	// Ports, when set, selects the listen port from a bounded range
	// instead of asking the kernel for an ephemeral one.
	Ports *port.Allocator

	// Owner is the allocation key used with Ports.
	Owner string
}

// Listener accepts exactly one worker connection. Any connection arriving
// after the first is closed immediately and logged — never handed out.
type Listener struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	closed bool

	connCh chan net.Conn
	done   chan struct{}
}

// NewListener creates an unbound listener.
func NewListener(cfg Config) *Listener {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &Listener{
		cfg:    cfg,
		logger: slog.With("component", "transport"),
		connCh: make(chan net.Conn, 1),
		done:   make(chan struct{}),
	}
}

// Start binds and begins accepting in the background. It returns the
// concrete bound address (host:port) for handing to the spawned worker.
func (l *Listener) Start() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrClosed
	}
	if l.ln != nil {
		return "", errors.New("transport: already started")
	}

	addr := net.JoinHostPort(l.cfg.Host, "0")
	if l.cfg.Ports != nil {
		p, err := l.cfg.Ports.Allocate(l.cfg.Owner)
		if err != nil {
			return "", fmt.Errorf("allocating listen port: %w", err)
		}
		addr = fmt.Sprintf("%s:%d", l.cfg.Host, p)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if l.cfg.Ports != nil {
			l.cfg.Ports.Release(l.cfg.Owner)
		}
		return "", fmt.Errorf("binding %s: %w", addr, err)
	}
	l.ln = ln

	go l.acceptLoop(ln)

	bound := ln.Addr().String()
	l.logger.Debug("listening for worker", "addr", bound)
	return bound, nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	accepted := false
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Closed listener; nothing more will arrive.
			return
		}
		if accepted {
			l.logger.Warn("rejecting extra worker connection", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}
		accepted = true
		l.connCh <- conn
	}
}

// Accept waits for the single worker connection. It returns ErrClosed if
// the listener is closed, or the context's error on cancellation/deadline.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound address, or empty before Start.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Close releases the listening socket and any port-range allocation.
// Idempotent; a connection already handed out by Accept is untouched.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)

	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	if l.cfg.Ports != nil {
		l.cfg.Ports.Release(l.cfg.Owner)
	}

	// Drain a connection that was accepted but never claimed.
	select {
	case conn := <-l.connCh:
		conn.Close()
	default:
	}

	return err
}
