package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-run/outpost/internal/diag"
)

// heartbeatMonitor watches the gap between worker heartbeats. A stall is
// reported through the diagnostic sink once per episode; it never changes
// engine state, because a busy worker can legitimately go quiet.
type heartbeatMonitor struct {
	stallAfter time.Duration
	diag       diag.Sink
	logger     *slog.Logger

	mu      sync.Mutex
	last    time.Time
	stalled bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newHeartbeatMonitor(stallAfter time.Duration, sink diag.Sink) *heartbeatMonitor {
	return &heartbeatMonitor{
		stallAfter: stallAfter,
		diag:       sink,
		logger:     slog.With("component", "heartbeat"),
		last:       time.Now(),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (m *heartbeatMonitor) start() {
	interval := m.stallAfter / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	go m.run(interval)
}

func (m *heartbeatMonitor) run(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *heartbeatMonitor) check() {
	m.mu.Lock()
	gap := time.Since(m.last)
	firing := gap > m.stallAfter && !m.stalled
	if firing {
		m.stalled = true
	}
	m.mu.Unlock()

	if firing {
		m.logger.Warn("worker heartbeat stalled", "gap", gap.Round(time.Millisecond))
		m.diag.Message(fmt.Sprintf("no heartbeat from worker for %s", gap.Round(time.Second)))
	}
}

// beat records a heartbeat and clears any active stall.
func (m *heartbeatMonitor) beat() {
	m.mu.Lock()
	recovered := m.stalled
	m.stalled = false
	m.last = time.Now()
	m.mu.Unlock()

	if recovered {
		m.diag.Message("worker heartbeat resumed")
	}
}

// stop halts monitoring and waits for the watch goroutine to exit.
func (m *heartbeatMonitor) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}
