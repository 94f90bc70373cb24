// Package logbuf keeps the tail of a worker process's stdout/stderr for
// post-mortem diagnostics. The worker's output is not part of the protocol;
// it is retained so a faulted or timed-out worker can be investigated.
package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// Ring is a fixed-capacity line buffer implementing io.Writer, suitable as
// the stdout/stderr of a spawned process. Once full, the oldest lines are
// overwritten.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	cap     int
	head    int // index of the oldest stored line
	count   int // number of stored lines, <= cap
	partial bytes.Buffer
}

// New creates a ring that retains the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{lines: make([]string, n), cap: n}
}

// Write splits p on newlines and stores each complete line. An incomplete
// trailing line is held back until its newline arrives.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial.Write(p)
	for {
		line, err := r.partial.ReadString('\n')
		if err != nil {
			r.partial.Reset()
			r.partial.WriteString(line)
			break
		}
		r.push(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (r *Ring) push(line string) {
	if r.count < r.cap {
		r.lines[(r.head+r.count)%r.cap] = line
		r.count++
		return
	}
	r.lines[r.head] = line
	r.head = (r.head + 1) % r.cap
}

// Len returns the number of stored lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Lines returns every stored line, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.lines[(r.head+i)%r.cap]
	}
	return out
}

// Tail returns the newest n lines, or all of them if fewer are stored.
func (r *Ring) Tail(n int) []string {
	all := r.Lines()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Dump renders the buffer contents as one newline-joined string.
func (r *Ring) Dump() string {
	return strings.Join(r.Lines(), "\n")
}
