package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/outpost-run/outpost/internal/protocol"
	"github.com/outpost-run/outpost/internal/route"
	"github.com/outpost-run/outpost/internal/transport"
	"github.com/outpost-run/outpost/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLauncher stands in for a real worker process: Start dials the listen
// address and runs the given script over the connection.
type fakeLauncher struct {
	script   func(conn net.Conn) // nil means the worker never connects
	startErr error               // returned by Start instead of dialing
	outcome  worker.ShutdownOutcome

	mu        sync.Mutex
	shutdowns int
	killed    bool
	wg        sync.WaitGroup
}

func newFakeLauncher(script func(net.Conn)) *fakeLauncher {
	return &fakeLauncher{script: script, outcome: worker.OutcomeExited}
}

func (l *fakeLauncher) Start(_ context.Context, addr string) error {
	if l.startErr != nil {
		return l.startErr
	}
	if l.script == nil {
		return nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer conn.Close()
		l.script(conn)
	}()
	return nil
}

func (l *fakeLauncher) Shutdown(context.Context, time.Duration) (worker.ShutdownOutcome, error) {
	l.mu.Lock()
	l.shutdowns++
	outcome := l.outcome
	l.mu.Unlock()
	l.wg.Wait()
	return outcome, nil
}

func (l *fakeLauncher) Kill() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.killed = true
	return nil
}

func (l *fakeLauncher) Info() worker.Info       { return worker.Info{State: worker.StateRunning} }
func (l *fakeLauncher) Done() <-chan struct{}   { return make(chan struct{}) }
func (l *fakeLauncher) OutputTail(int) []string { return nil }

func (l *fakeLauncher) shutdownCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdowns
}

// diagRecorder captures diagnostic lines for assertions.
type diagRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (d *diagRecorder) Message(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, text)
}

func (d *diagRecorder) contains(substr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, line := range d.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func sendMessage(w *protocol.Writer, op string, kind protocol.Kind, payload any) error {
	msg, err := protocol.New(op, kind, payload)
	if err != nil {
		return err
	}
	return w.WriteMessage(msg)
}

func sendHello(w *protocol.Writer) error {
	return sendMessage(w, "", protocol.KindHello, protocol.Hello{
		DisplayName: "scripted worker",
		UID:         "worker-1",
		Version:     protocol.Version,
	})
}

// discoveryWorker answers find requests with n discovered cases and a
// completion summary, then keeps the connection open until it drops.
func discoveryWorker(n int) func(net.Conn) {
	return func(conn net.Conn) {
		w := protocol.NewWriter(conn)
		if err := sendHello(w); err != nil {
			return
		}
		r := protocol.NewReader(conn)
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				return
			}
			if msg.Kind != protocol.KindFind {
				continue
			}
			for i := 0; i < n; i++ {
				sendMessage(w, msg.Op, protocol.KindTestCaseDiscovered, protocol.TestCase{
					ID:          fmt.Sprintf("case-%d", i),
					DisplayName: fmt.Sprintf("Suite.Test%d", i),
				})
			}
			sendMessage(w, msg.Op, protocol.KindDiscoveryComplete, protocol.DiscoverySummary{Found: n})
		}
	}
}

func newTestEngine(t *testing.T, launcher *fakeLauncher, mutate func(*Config)) (*Engine, *route.Registry, *diagRecorder) {
	t.Helper()

	reg := route.NewRegistry()
	rec := &diagRecorder{}
	cfg := Config{
		Listener:      transport.NewListener(transport.Config{}),
		Launcher:      launcher,
		Registry:      reg,
		Diag:          rec,
		ReadyTimeout:  5 * time.Second,
		ShutdownGrace: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	eng, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Close(ctx)
		launcher.wg.Wait()
	})
	return eng, reg, rec
}

func TestHandshakeReachesConnected(t *testing.T) {
	launcher := newFakeLauncher(discoveryWorker(0))
	eng, _, _ := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.WaitReady(ctx))
	assert.Equal(t, StateConnected, eng.State())

	name, err := eng.WorkerName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "scripted worker", name)

	uid, err := eng.WorkerUID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", uid)
}

func TestConcurrentStartsHaveOneWinner(t *testing.T) {
	launcher := newFakeLauncher(discoveryWorker(0))
	eng, _, _ := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = eng.Start(ctx)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one Start should claim the engine")

	require.NoError(t, eng.WaitReady(ctx))
	require.NoError(t, eng.Close(ctx))
	assert.Equal(t, StateClosed, eng.State())
}

func TestSpawnFailureReleasesListener(t *testing.T) {
	launcher := newFakeLauncher(nil)
	launcher.startErr = &worker.SpawnError{Path: "/missing/worker", Err: errors.New("no such file or directory")}

	listener := transport.NewListener(transport.Config{})
	eng, _, _ := newTestEngine(t, launcher, func(cfg *Config) {
		cfg.Listener = listener
	})

	err := eng.Start(context.Background())
	require.Error(t, err)
	var spawnErr *worker.SpawnError
	assert.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, StateFaulted, eng.State())

	// The listener bound before the launch attempt; the failure must have
	// released it so nothing stays listening on that port.
	addr := listener.Addr()
	require.NotEmpty(t, addr)
	if conn, derr := net.Dial("tcp", addr); derr == nil {
		conn.Close()
		t.Fatalf("address %s still accepting connections after spawn failure", addr)
	}
}

func TestFindDeliversResultsInOrder(t *testing.T) {
	launcher := newFakeLauncher(discoveryWorker(3))
	eng, reg, _ := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	var mu sync.Mutex
	var kinds []protocol.Kind
	done := make(chan struct{})
	reg.Register("op-find", func(msg *protocol.Message) bool {
		mu.Lock()
		kinds = append(kinds, msg.Kind)
		mu.Unlock()
		if protocol.Terminal(msg.Kind) {
			close(done)
			return false
		}
		return true
	})

	require.NoError(t, eng.SendFind(ctx, "op-find", protocol.FindRequest{}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("discovery never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []protocol.Kind{
		protocol.KindTestCaseDiscovered,
		protocol.KindTestCaseDiscovered,
		protocol.KindTestCaseDiscovered,
		protocol.KindDiscoveryComplete,
	}, kinds)
	assert.Equal(t, 0, reg.Len(), "terminal result should leave no registration behind")
}

func TestMalformedFrameFaultsConnection(t *testing.T) {
	launcher := newFakeLauncher(func(conn net.Conn) {
		w := protocol.NewWriter(conn)
		if err := sendHello(w); err != nil {
			return
		}
		r := protocol.NewReader(conn)
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		sendMessage(w, msg.Op, protocol.KindTestCaseDiscovered, protocol.TestCase{ID: "c1", DisplayName: "One"})
		// A framed body that is not JSON.
		conn.Write([]byte{0, 0, 0, 4, 'j', 'u', 'n', 'k'})
		// Hold the connection open; the engine drops it on fault.
		r.ReadMessage()
	})
	eng, reg, rec := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	var mu sync.Mutex
	var delivered int
	reg.Register("op-run", func(msg *protocol.Message) bool {
		mu.Lock()
		delivered++
		mu.Unlock()
		return true
	})
	require.NoError(t, eng.SendFind(ctx, "op-run", protocol.FindRequest{}))

	require.Eventually(t, func() bool {
		return eng.State() == StateFaulted
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	got := delivered
	mu.Unlock()
	assert.Equal(t, 1, got, "only the well-formed frame should reach the sink")
	assert.True(t, rec.contains("fault"), "fault should surface as a diagnostic")
	assert.True(t, rec.contains("op-run"), "abandoned operation should be named")

	// Sends on a faulted engine fail fast.
	assert.ErrorIs(t, eng.SendFind(ctx, "op-late", protocol.FindRequest{}), ErrFaulted)
}

func TestWorkerNeverConnects(t *testing.T) {
	launcher := newFakeLauncher(nil)
	eng, _, _ := newTestEngine(t, launcher, func(cfg *Config) {
		cfg.ReadyTimeout = 200 * time.Millisecond
	})

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	err := eng.WaitReady(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestVersionMismatchFaults(t *testing.T) {
	launcher := newFakeLauncher(func(conn net.Conn) {
		w := protocol.NewWriter(conn)
		sendMessage(w, "", protocol.KindHello, protocol.Hello{
			DisplayName: "future worker",
			UID:         "worker-2",
			Version:     "2.0",
		})
	})
	eng, _, rec := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	err := eng.WaitReady(ctx)
	assert.ErrorIs(t, err, ErrFaulted)
	assert.True(t, rec.contains("protocol"), "version mismatch should surface as a diagnostic")
}

func TestUnroutableMessageIsReportedNotFatal(t *testing.T) {
	launcher := newFakeLauncher(func(conn net.Conn) {
		w := protocol.NewWriter(conn)
		if err := sendHello(w); err != nil {
			return
		}
		sendMessage(w, "ghost", protocol.KindTestPassed, protocol.TestResult{CaseID: "c1"})
		// Keep the connection open.
		protocol.NewReader(conn).ReadMessage()
	})
	eng, _, rec := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.WaitReady(ctx))

	require.Eventually(t, func() bool {
		return rec.contains("unknown operation")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, eng.State())
}

func TestWorkerDiagnosticsReachSink(t *testing.T) {
	launcher := newFakeLauncher(func(conn net.Conn) {
		w := protocol.NewWriter(conn)
		if err := sendHello(w); err != nil {
			return
		}
		sendMessage(w, "", protocol.KindDiagnostic, protocol.Diagnostic{Text: "warming up assemblies"})
		protocol.NewReader(conn).ReadMessage()
	})
	eng, _, rec := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.WaitReady(ctx))

	require.Eventually(t, func() bool {
		return rec.contains("warming up assemblies")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	launcher := newFakeLauncher(discoveryWorker(0))
	eng, _, _ := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.WaitReady(ctx))

	require.NoError(t, eng.Close(ctx))
	require.NoError(t, eng.Close(ctx))
	assert.Equal(t, StateClosed, eng.State())
	assert.Equal(t, 1, launcher.shutdownCount(), "worker should be asked to leave exactly once")
}

func TestCloseReportsShutdownTimeout(t *testing.T) {
	launcher := newFakeLauncher(discoveryWorker(0))
	launcher.outcome = worker.OutcomeTimedOut
	eng, _, rec := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.WaitReady(ctx))

	require.NoError(t, eng.Close(ctx), "a stubborn worker is reported, not an error")
	assert.True(t, rec.contains("grace period"))
	assert.Equal(t, StateClosed, eng.State())
}

func TestHeartbeatStallDiagnostic(t *testing.T) {
	launcher := newFakeLauncher(func(conn net.Conn) {
		w := protocol.NewWriter(conn)
		if err := sendHello(w); err != nil {
			return
		}
		sendMessage(w, "", protocol.KindHeartbeat, protocol.Heartbeat{UptimeMS: 5})
		// Go quiet; the monitor should notice.
		protocol.NewReader(conn).ReadMessage()
	})
	eng, _, rec := newTestEngine(t, launcher, func(cfg *Config) {
		cfg.HeartbeatStall = 300 * time.Millisecond
	})

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.WaitReady(ctx))

	require.Eventually(t, func() bool {
		return rec.contains("no heartbeat")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateConnected, eng.State(), "a stall is advisory, never fatal")
}

func TestCloseBeforeConnect(t *testing.T) {
	launcher := newFakeLauncher(nil)
	eng, _, _ := newTestEngine(t, launcher, nil)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Close(ctx))
	assert.Equal(t, StateClosed, eng.State())
}
