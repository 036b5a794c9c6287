package dispatch

import (
	"time"

	"ssh-fleet/internal/target"
)

// Exit code values reserved by the engine. Real remote processes cannot
// produce negative exit codes, so these never collide with transport or
// command exit statuses.
const (
	// KilledExitCode marks an attempt that was force-killed by a timeout sweep.
	KilledExitCode = -9

	// StartFailedExitCode marks an attempt whose transport process could not
	// be started, or a host dropped by run cancellation.
	StartFailedExitCode = -1
)

// KillReason records why an attempt was forcibly terminated.
type KillReason int

const (
	// KillNone means the attempt exited on its own.
	KillNone KillReason = iota

	// KillConnect means no handshake was observed within the connect timeout.
	KillConnect

	// KillCommand means the handshake succeeded but the command exceeded the
	// command timeout.
	KillCommand

	// KillCanceled means the whole run was canceled while the attempt was active.
	KillCanceled
)

// String returns a human-readable description of the kill reason
func (k KillReason) String() string {
	switch k {
	case KillConnect:
		return "connect timeout"
	case KillCommand:
		return "command timeout"
	case KillCanceled:
		return "canceled"
	default:
		return "none"
	}
}

// Result is the single record produced for one host's execution attempt.
// Exactly one Result is emitted per host, whether the attempt exits
// naturally or is force-killed.
type Result struct {
	Target    target.Target // The host the attempt ran against
	ExitCode  int           // Process exit code, or a reserved negative value
	Stdout    []byte        // Captured standard output (probe token stripped)
	Stderr    []byte        // Captured standard error, annotated on forced kill
	Connected bool          // Whether the handshake probe was ever observed
	Killed    KillReason    // Why the attempt was killed, KillNone if it was not
	Duration  time.Duration // Wall time from dispatch to completion
}

// Succeeded reports whether the attempt connected and its command exited zero.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0 && r.Killed == KillNone
}
