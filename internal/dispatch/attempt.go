package dispatch

import (
	"time"

	"ssh-fleet/internal/target"
)

// Phase describes how far an attempt has progressed. An attempt is
// Connecting until its transport observes a successful handshake, and
// Running from then until the process exits. The scheduler only ever
// observes the phase; the attempt itself performs the transition.
type Phase int32

const (
	// Connecting means no handshake has been observed yet
	Connecting Phase = iota

	// Running means the handshake succeeded and the remote command is executing
	Running
)

// String returns a human-readable description of the phase
func (p Phase) String() string {
	if p == Running {
		return "running"
	}
	return "connecting"
}

// Attempt is one host's single remote-execution try. Implementations own a
// transport process (or connection) exclusively and push exactly one Result
// through their emit callback when they finish.
//
// The Result must be pushed before Alive starts returning false, so that a
// scheduler reaping a dead attempt can rely on its record already being in
// the sink.
type Attempt interface {
	// Target returns the host this attempt runs against
	Target() target.Target

	// Phase returns the current lifecycle phase (non-blocking)
	Phase() Phase

	// StartedAt returns the dispatch timestamp used for timeout accounting
	StartedAt() time.Time

	// Alive reports whether the underlying process is still running (non-blocking)
	Alive() bool

	// Kill forcibly terminates the attempt. Idempotent: killing a finished
	// attempt is a no-op, and racing with natural exit never produces a
	// second Result. Safe to call from a different goroutine than the one
	// observing completion.
	Kill(reason KillReason)
}

// LaunchFunc starts one execution attempt for a target. The returned
// attempt must eventually push exactly one Result through emit. A non-nil
// error means no process could be started; the caller is responsible for
// producing the host's Result in that case.
type LaunchFunc func(tgt target.Target, command string, emit func(*Result)) (Attempt, error)
