// outpost-worker is a stub test worker: it dials the address it is given,
// speaks the wire protocol, and answers find/run requests from a small
// built-in suite. It exists for smoke-testing the front end without a
// real test framework behind it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-run/outpost/internal/protocol"
)

var suite = []protocol.TestCase{
	{ID: "t1", DisplayName: "Stub.AlwaysPasses", Class: "Stub", Method: "AlwaysPasses"},
	{ID: "t2", DisplayName: "Stub.AlsoPasses", Class: "Stub", Method: "AlsoPasses"},
	{ID: "t3", DisplayName: "Stub.AlwaysFails", Class: "Stub", Method: "AlwaysFails"},
	{ID: "t4", DisplayName: "Stub.AlwaysSkipped", Class: "Stub", Method: "AlwaysSkipped"},
}

func main() {
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "heartbeat interval, 0 to disable")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: outpost-worker [flags] <host:port>")
		os.Exit(2)
	}
	addr := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(addr, *heartbeat, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(addr string, heartbeat time.Duration, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()
	logger.Info("connected", "addr", addr)

	w := protocol.NewWriter(conn)
	if err := send(w, "", protocol.KindHello, protocol.Hello{
		DisplayName: "outpost stub worker",
		UID:         uuid.NewString(),
		Version:     protocol.Version,
	}); err != nil {
		return err
	}

	start := time.Now()
	if heartbeat > 0 {
		go func() {
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					send(w, "", protocol.KindHeartbeat, protocol.Heartbeat{
						UptimeMS: time.Since(start).Milliseconds(),
					})
				}
			}
		}()
	}

	// A SIGTERM mid-read must still close the connection promptly.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r := protocol.NewReader(conn)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return nil
			}
			return err
		}

		switch msg.Kind {
		case protocol.KindFind:
			var req protocol.FindRequest
			if err := msg.DecodePayload(&req); err != nil {
				return err
			}
			serveFind(w, msg.Op, req)
		case protocol.KindRun:
			var req protocol.RunRequest
			if err := msg.DecodePayload(&req); err != nil {
				return err
			}
			serveRun(w, msg.Op, req)
		default:
			logger.Warn("ignoring message", "kind", msg.Kind)
		}
	}
}

func serveFind(w *protocol.Writer, op string, req protocol.FindRequest) {
	cases := filterCases(req.Filters)
	for _, tc := range cases {
		send(w, op, protocol.KindTestCaseDiscovered, tc)
	}
	send(w, op, protocol.KindDiscoveryComplete, protocol.DiscoverySummary{Found: len(cases)})
}

func serveRun(w *protocol.Writer, op string, req protocol.RunRequest) {
	cases := filterCases(req.Filters)
	for _, tc := range cases {
		send(w, op, protocol.KindTestCaseDiscovered, tc)
	}

	started := time.Now()
	summary := protocol.RunSummary{Total: len(cases)}
	for _, tc := range cases {
		send(w, op, protocol.KindTestStarting, tc)
		res := protocol.TestResult{CaseID: tc.ID, DisplayName: tc.DisplayName, DurationMS: 1}

		switch {
		case strings.Contains(tc.Method, "Fail"):
			res.Reason = "assertion failed: expected true, got false"
			summary.Failed++
			send(w, op, protocol.KindTestFailed, res)
		case strings.Contains(tc.Method, "Skip"):
			res.Reason = "not supported on this platform"
			summary.Skipped++
			send(w, op, protocol.KindTestSkipped, res)
		default:
			summary.Passed++
			send(w, op, protocol.KindTestPassed, res)
		}

		if req.StopOnFail && summary.Failed > 0 {
			break
		}
	}
	summary.DurationMS = time.Since(started).Milliseconds()
	send(w, op, protocol.KindRunComplete, summary)
}

func filterCases(f protocol.Filters) []protocol.TestCase {
	out := make([]protocol.TestCase, 0, len(suite))
	for _, tc := range suite {
		if len(f.IncludeMethods) > 0 && !contains(f.IncludeMethods, tc.Method) {
			continue
		}
		if contains(f.ExcludeMethods, tc.Method) {
			continue
		}
		if len(f.IncludeClasses) > 0 && !contains(f.IncludeClasses, tc.Class) {
			continue
		}
		if contains(f.ExcludeClasses, tc.Class) {
			continue
		}
		out = append(out, tc)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func send(w *protocol.Writer, op string, kind protocol.Kind, payload any) error {
	msg, err := protocol.New(op, kind, payload)
	if err != nil {
		return err
	}
	return w.WriteMessage(msg)
}
