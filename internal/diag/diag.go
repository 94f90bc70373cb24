// Package diag defines the diagnostic sink: a passive observer that
// receives human-readable status lines (handshake progress, shutdown
// warnings). It never participates in control flow.
package diag

import "log/slog"

// Sink receives one diagnostic line at a time.
type Sink interface {
	Message(text string)
}

// Func adapts a plain function to a Sink.
type Func func(text string)

// Message implements Sink.
func (f Func) Message(text string) { f(text) }

// Slog returns a sink that logs each line at info level.
func Slog(logger *slog.Logger) Sink {
	return Func(func(text string) {
		logger.Info(text)
	})
}

// Discard swallows all diagnostics. Useful in tests.
var Discard Sink = Func(func(string) {})
