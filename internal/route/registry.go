// Package route maps in-flight operation tokens to their message sinks.
package route

import (
	"log/slog"
	"sync"

	"github.com/outpost-run/outpost/internal/protocol"
)

// Sink receives the messages for one operation, in wire-arrival order.
// Returning false tells the registry to stop routing further messages for
// the operation's token.
type Sink func(msg *protocol.Message) bool

// Registry is the routing table for in-flight operations. It supports
// concurrent registration, dispatch, and removal; messages for a single
// token reach its sink in the order Dispatch is called.
type Registry struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sinks:  make(map[string]Sink),
		logger: slog.With("component", "route"),
	}
}

// Register binds a sink to an operation token. Registering a token twice
// replaces the previous sink; tokens are minted per operation and never
// reused, so in practice this only happens in tests.
func (r *Registry) Register(token string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[token] = sink
}

// Unregister removes a token. Idempotent.
func (r *Registry) Unregister(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, token)
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Contains reports whether token has a registered sink.
func (r *Registry) Contains(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sinks[token]
	return ok
}

// Tokens returns the currently registered operation tokens, for diagnostic
// reporting when a connection faults with operations still pending.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for tok := range r.sinks {
		out = append(out, tok)
	}
	return out
}

// Dispatch routes msg to the sink registered for token. It returns false
// when the token is unrecognized or the sink asked to stop; in the latter
// case the token is unregistered. A panicking sink is logged, unregistered,
// and reported as stopped — it never propagates to the caller.
//
// The sink runs outside the registry lock so it may register or unregister
// other operations.
func (r *Registry) Dispatch(token string, msg *protocol.Message) (ok bool) {
	r.mu.RLock()
	sink, found := r.sinks[token]
	r.mu.RUnlock()

	if !found {
		return false
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sink panicked, dropping operation",
				"token", token, "kind", msg.Kind, "panic", p)
			r.Unregister(token)
			ok = false
		}
	}()

	if !sink(msg) {
		r.Unregister(token)
		return false
	}
	return true
}
