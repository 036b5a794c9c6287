// Package attempt implements the default subprocess transport for
// ssh-fleet: one execution attempt per host, run through the system ssh
// binary with fixed non-interactive options.
package attempt

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ssh-fleet/internal/dispatch"
	"ssh-fleet/internal/logging"
	"ssh-fleet/internal/target"
)

// Runner launches subprocess attempts through a remote-shell binary. The
// transport is invoked with password prompts and key-agent interaction
// disabled, a single connection attempt, and the connect timeout applied
// at the transport level as a hint in addition to the engine's own sweep.
type Runner struct {
	SSHPath        string          // Transport binary, defaults to "ssh"
	ConnectTimeout time.Duration   // Transport-level ConnectTimeout hint
	Logger         *logging.Logger // Optional
}

// Launch starts one attempt for the target. It satisfies dispatch.LaunchFunc.
func (r *Runner) Launch(tgt target.Target, command string, emit func(*dispatch.Result)) (dispatch.Attempt, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate probe token: %w", err)
	}

	return start(r.argv(tgt, token, command), tgt, token, emit, r.Logger)
}

// argv builds the full transport command line for one attempt
func (r *Runner) argv(tgt target.Target, token, command string) []string {
	path := r.SSHPath
	if path == "" {
		path = "ssh"
	}

	args := []string{
		path,
		"-o", "BatchMode=yes",
		"-o", "ConnectionAttempts=1",
		"-o", "StrictHostKeyChecking=accept-new",
	}

	if r.ConnectTimeout > 0 {
		secs := int(r.ConnectTimeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", secs))
	}

	if tgt.Port != 0 && tgt.Port != 22 {
		args = append(args, "-p", strconv.Itoa(tgt.Port))
	}
	if tgt.IdentityFile != "" {
		args = append(args, "-i", tgt.IdentityFile)
	}

	dest := tgt.Host
	if tgt.User != "" {
		dest = tgt.User + "@" + tgt.Host
	}

	return append(args, dest, remoteCommand(token, command))
}

// remoteCommand prefixes the user command with the probe echo. The probe
// runs first in the remote shell, and the `;` separator leaves the
// command's exit status as the session's.
func remoteCommand(token, command string) string {
	return fmt.Sprintf("echo %s; %s", token, command)
}

// newToken generates a random per-attempt probe token
func newToken() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "fleet-" + hex.EncodeToString(b[:]), nil
}

// ExecAttempt is one host's subprocess execution attempt. It owns the
// child process exclusively and emits exactly one Result when the process
// exits, whether naturally or by forced kill.
type ExecAttempt struct {
	tgt     target.Target
	cmd     *exec.Cmd
	probe   *probeWriter
	stderr  bytes.Buffer
	started time.Time
	emit    func(*dispatch.Result)
	logger  *logging.Logger

	phase atomic.Int32
	done  atomic.Bool

	killMu     sync.Mutex
	killReason dispatch.KillReason
}

// start spawns the process described by argv and begins reaping it. The
// argv indirection lets tests substitute a local shell for the transport.
func start(argv []string, tgt target.Target, token string, emit func(*dispatch.Result), logger *logging.Logger) (*ExecAttempt, error) {
	a := &ExecAttempt{
		tgt:    tgt,
		emit:   emit,
		logger: logger,
	}
	a.probe = newProbeWriter(token, func() {
		a.phase.Store(int32(dispatch.Running))
	})

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = a.probe
	cmd.Stderr = &a.stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	a.cmd = cmd
	a.started = time.Now()

	go a.reapProcess()
	return a, nil
}

// Target returns the host this attempt runs against
func (a *ExecAttempt) Target() target.Target {
	return a.tgt
}

// Phase returns Connecting until the probe token has been observed on the
// attempt's output stream, Running thereafter
func (a *ExecAttempt) Phase() dispatch.Phase {
	return dispatch.Phase(a.phase.Load())
}

// StartedAt returns the dispatch timestamp used for timeout accounting
func (a *ExecAttempt) StartedAt() time.Time {
	return a.started
}

// Alive reports whether the child process is still running. It only turns
// false after the attempt's Result has been pushed.
func (a *ExecAttempt) Alive() bool {
	return !a.done.Load()
}

// Kill forcibly terminates the attempt. Idempotent: a finished attempt is
// left alone, and losing the race against natural exit is a no-op. The
// Result is still composed exactly once, by the reaper goroutine.
func (a *ExecAttempt) Kill(reason dispatch.KillReason) {
	if a.done.Load() {
		return
	}

	a.killMu.Lock()
	if a.killReason == dispatch.KillNone {
		a.killReason = reason
	}
	a.killMu.Unlock()

	// Returns os.ErrProcessDone when the process already exited.
	_ = a.cmd.Process.Kill()
}

// reapProcess waits for the child to exit, composes the attempt's single
// Result and pushes it. done is set only after the push so a reaper
// observing a dead attempt can rely on the record being in the sink.
func (a *ExecAttempt) reapProcess() {
	waitErr := a.cmd.Wait()

	res := a.composeResult(waitErr)
	if a.logger != nil {
		a.logger.LogAttemptFinished(a.tgt, res.ExitCode, res.Connected, res.Duration)
	}

	a.emit(res)
	a.done.Store(true)
}

// composeResult builds the host's Result from the process outcome. A kill
// that won the race against natural exit maps to the forced-kill sentinel
// with an explanatory stderr annotation; otherwise the process's own exit
// code and stderr are surfaced as-is.
func (a *ExecAttempt) composeResult(waitErr error) *dispatch.Result {
	a.killMu.Lock()
	reason := a.killReason
	a.killMu.Unlock()

	res := &dispatch.Result{
		Target:    a.tgt,
		Stdout:    a.probe.Output(),
		Connected: a.probe.Seen(),
		Duration:  time.Since(a.started),
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// ExitCode is -1 when the process died to a signal
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = dispatch.StartFailedExitCode
			a.stderr.WriteString("\nssh-fleet: " + waitErr.Error())
		}
	}

	if reason != dispatch.KillNone && exitCode < 0 {
		res.Killed = reason
		res.ExitCode = dispatch.KilledExitCode
		res.Stderr = annotateKilled(a.stderr.Bytes(), reason, res.Duration)
		return res
	}

	res.ExitCode = exitCode
	res.Stderr = copyBytes(a.stderr.Bytes())
	return res
}

// annotateKilled appends the forced-kill explanation to the captured stderr
func annotateKilled(stderr []byte, reason dispatch.KillReason, elapsed time.Duration) []byte {
	out := copyBytes(stderr)
	if len(out) > 0 && !bytes.HasSuffix(out, []byte("\n")) {
		out = append(out, '\n')
	}
	return append(out, []byte(fmt.Sprintf("ssh-fleet: attempt killed: %s after %v\n", reason, elapsed.Round(time.Millisecond)))...)
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
