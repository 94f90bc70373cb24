// Package protocol defines the framed message format spoken between the
// outpost front end and a test worker process.
//
// Every message is a JSON envelope tagged with an operation token and a
// message kind. Messages belonging to the initial handshake and to
// worker-level status (hello, heartbeat, diagnostic) carry an empty token;
// everything else is correlated to a find or run operation. A typical
// discovery exchange looks like:
//
//	worker → hello
//	front  → find (token T)
//	worker → test-case-discovered (T)
//	worker → test-case-discovered (T)
//	worker → discovery-complete (T)
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version exchanged during the handshake.
// The front end refuses workers that report a different major version.
const Version = "1.0"

// Kind identifies the type of a wire message. The set is closed: decoding a
// message with a kind outside this set is a protocol error, not a skip.
type Kind string

const (
	// Front end → worker.
	KindFind Kind = "find"
	KindRun  Kind = "run"

	// Worker → front end, connection-level (empty operation token).
	KindHello      Kind = "hello"
	KindHeartbeat  Kind = "heartbeat"
	KindDiagnostic Kind = "diagnostic"

	// Worker → front end, discovery results.
	KindDiscoveryProgress  Kind = "discovery-progress"
	KindTestCaseDiscovered Kind = "test-case-discovered"
	KindDiscoveryComplete  Kind = "discovery-complete"

	// Worker → front end, execution results.
	KindTestStarting Kind = "test-starting"
	KindTestPassed   Kind = "test-passed"
	KindTestFailed   Kind = "test-failed"
	KindTestSkipped  Kind = "test-skipped"
	KindRunComplete  Kind = "run-complete"
)

var knownKinds = map[Kind]bool{
	KindFind:               true,
	KindRun:                true,
	KindHello:              true,
	KindHeartbeat:          true,
	KindDiagnostic:         true,
	KindDiscoveryProgress:  true,
	KindTestCaseDiscovered: true,
	KindDiscoveryComplete:  true,
	KindTestStarting:       true,
	KindTestPassed:         true,
	KindTestFailed:         true,
	KindTestSkipped:        true,
	KindRunComplete:        true,
}

// Known reports whether k is part of the closed kind set.
func Known(k Kind) bool {
	return knownKinds[k]
}

// Terminal reports whether k ends an operation's message stream.
func Terminal(k Kind) bool {
	return k == KindDiscoveryComplete || k == KindRunComplete
}

// Message is the wire envelope. Op is the operation token the message
// belongs to; it is empty for connection-level messages (hello, heartbeat,
// diagnostic).
type Message struct {
	Op      string          `json:"op,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a message with the given payload marshaled into the envelope.
func New(op string, kind Kind, payload any) (*Message, error) {
	m := &Message{Op: op, Kind: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
		}
		m.Payload = data
	}
	return m, nil
}

// DecodePayload unmarshals the message payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Kind, err)
	}
	return nil
}

// Hello is the first message a worker must send after connecting. Until it
// arrives the worker's display name and unique id are unknown to the front
// end.
type Hello struct {
	DisplayName string `json:"display_name"`
	UID         string `json:"uid"`
	Version     string `json:"version"`
}

// Heartbeat is sent periodically by the worker to assert liveness.
type Heartbeat struct {
	UptimeMS int64 `json:"uptime_ms,omitempty"`
}

// Diagnostic carries a human-readable status line from the worker.
type Diagnostic struct {
	Text string `json:"text"`
}

// FindRequest asks the worker to discover tests matching the filters.
type FindRequest struct {
	Filters              Filters `json:"filters"`
	PreEnumerateTheories bool    `json:"pre_enumerate_theories,omitempty"`
	Culture              string  `json:"culture,omitempty"`
	Diagnostics          bool    `json:"diagnostics,omitempty"`
	InternalDiagnostics  bool    `json:"internal_diagnostics,omitempty"`
}

// RunRequest asks the worker to discover and execute tests.
type RunRequest struct {
	Filters              Filters `json:"filters"`
	Parallelism          string  `json:"parallelism,omitempty"`
	MaxParallelThreads   int     `json:"max_parallel_threads,omitempty"`
	PreEnumerateTheories bool    `json:"pre_enumerate_theories,omitempty"`
	Culture              string  `json:"culture,omitempty"`
	Diagnostics          bool    `json:"diagnostics,omitempty"`
	InternalDiagnostics  bool    `json:"internal_diagnostics,omitempty"`
	StopOnFail           bool    `json:"stop_on_fail,omitempty"`
}

// Filters narrows which tests a find or run request applies to.
type Filters struct {
	IncludeClasses    []string            `json:"include_classes,omitempty"`
	ExcludeClasses    []string            `json:"exclude_classes,omitempty"`
	IncludeMethods    []string            `json:"include_methods,omitempty"`
	ExcludeMethods    []string            `json:"exclude_methods,omitempty"`
	IncludeNamespaces []string            `json:"include_namespaces,omitempty"`
	ExcludeNamespaces []string            `json:"exclude_namespaces,omitempty"`
	IncludeTraits     map[string][]string `json:"include_traits,omitempty"`
	ExcludeTraits     map[string][]string `json:"exclude_traits,omitempty"`
}

// TestCase describes one discovered test.
type TestCase struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Class       string            `json:"class,omitempty"`
	Method      string            `json:"method,omitempty"`
	Traits      map[string]string `json:"traits,omitempty"`
}

// DiscoveryProgress reports how many cases have been found so far.
type DiscoveryProgress struct {
	Found int `json:"found"`
}

// DiscoverySummary closes a discovery pass.
type DiscoverySummary struct {
	Found int `json:"found"`
}

// TestResult reports the outcome of one test case. It is the payload of the
// test-passed, test-failed, and test-skipped kinds; the kind carries the
// outcome, the payload carries the detail.
type TestResult struct {
	CaseID      string `json:"case_id"`
	DisplayName string `json:"display_name"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Output      string `json:"output,omitempty"`
	Reason      string `json:"reason,omitempty"` // failure message or skip reason
}

// RunSummary closes an execution pass.
type RunSummary struct {
	Total      int   `json:"total"`
	Passed     int   `json:"passed"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	DurationMS int64 `json:"duration_ms"`
}
