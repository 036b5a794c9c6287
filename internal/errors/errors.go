// Package errors provides per-host outcome classification for ssh-fleet.
package errors

import (
	"fmt"
	"strings"

	"ssh-fleet/internal/dispatch"
)

// OutcomeClass classifies how one host's attempt ended
type OutcomeClass int

const (
	// OK means the attempt connected and its command exited zero
	OK OutcomeClass = iota

	// ConnectTimeout means no handshake was observed within the connect
	// timeout and the attempt was killed
	ConnectTimeout

	// CommandTimeout means the handshake succeeded but the command did not
	// finish within the command timeout and the attempt was killed
	CommandTimeout

	// TransportFailure means the handshake was never observed and the
	// transport process exited on its own (host unreachable, auth rejected)
	TransportFailure

	// CommandFailure means the handshake succeeded and the command ran to
	// completion with a non-zero exit code. This is the expected path for
	// per-host application failures, not an engine error.
	CommandFailure

	// Canceled means the run was canceled before or during the attempt
	Canceled
)

// String returns a string representation of the outcome class
func (c OutcomeClass) String() string {
	switch c {
	case OK:
		return "ok"
	case ConnectTimeout:
		return "connect-timeout"
	case CommandTimeout:
		return "command-timeout"
	case TransportFailure:
		return "transport-failure"
	case CommandFailure:
		return "command-failure"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// IsFailure reports whether the class counts against the run's exit status
func (c OutcomeClass) IsFailure() bool {
	return c != OK
}

// Classify maps one host's Result to its outcome class
func Classify(r *dispatch.Result) OutcomeClass {
	switch r.Killed {
	case dispatch.KillConnect:
		return ConnectTimeout
	case dispatch.KillCommand:
		return CommandTimeout
	case dispatch.KillCanceled:
		return Canceled
	}

	if r.ExitCode == dispatch.StartFailedExitCode && !r.Connected {
		// Covers both start failures and cancellation before dispatch
		if strings.Contains(string(r.Stderr), "canceled") {
			return Canceled
		}
		return TransportFailure
	}

	if !r.Connected && r.ExitCode != 0 {
		return TransportFailure
	}

	if r.ExitCode != 0 {
		return CommandFailure
	}

	return OK
}

// TransportErrorHint extracts a short description of a transport-level
// failure from the attempt's stderr, for log lines and summaries
func TransportErrorHint(stderr []byte) string {
	text := strings.ToLower(string(stderr))

	hints := []struct {
		keyword string
		hint    string
	}{
		{"connection refused", "connection refused"},
		{"no route to host", "no route to host"},
		{"network unreachable", "network unreachable"},
		{"could not resolve", "hostname resolution failed"},
		{"name or service not known", "hostname resolution failed"},
		{"permission denied", "authentication rejected"},
		{"host key verification failed", "host key verification failed"},
		{"connection timed out", "connection timed out"},
		{"connection reset", "connection reset"},
	}

	for _, h := range hints {
		if strings.Contains(text, h.keyword) {
			return h.hint
		}
	}

	return "transport error"
}

// Collector aggregates per-host outcomes for the end-of-run summary
type Collector struct {
	counts map[OutcomeClass]int
	total  int
}

// NewCollector creates an empty outcome collector
func NewCollector() *Collector {
	return &Collector{
		counts: make(map[OutcomeClass]int),
	}
}

// Add records one host's outcome and returns its class
func (c *Collector) Add(r *dispatch.Result) OutcomeClass {
	class := Classify(r)
	c.counts[class]++
	c.total++
	return class
}

// Total returns the number of recorded outcomes
func (c *Collector) Total() int {
	return c.total
}

// CountByClass returns the number of outcomes of a specific class
func (c *Collector) CountByClass(class OutcomeClass) int {
	return c.counts[class]
}

// Failures returns the number of outcomes that count against the run
func (c *Collector) Failures() int {
	return c.total - c.counts[OK]
}

// HasFailures reports whether any host failed
func (c *Collector) HasFailures() bool {
	return c.Failures() > 0
}

// Summary returns a one-line breakdown of all recorded outcomes
func (c *Collector) Summary() string {
	if c.total == 0 {
		return "no results"
	}

	order := []OutcomeClass{OK, CommandFailure, ConnectTimeout, CommandTimeout, TransportFailure, Canceled}
	var parts []string
	for _, class := range order {
		if n := c.counts[class]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, class))
		}
	}

	return fmt.Sprintf("%d hosts (%s)", c.total, strings.Join(parts, ", "))
}
