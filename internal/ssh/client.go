// Package ssh implements the in-process transport for ssh-fleet using
// golang.org/x/crypto/ssh. Unlike the exec transport, the SSH handshake
// itself is the connecting→running transition, so no probe token is
// needed on the output stream.
package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"ssh-fleet/internal/dispatch"
	"ssh-fleet/internal/logging"
	"ssh-fleet/internal/target"
)

// TransportExitCode is the exit code surfaced for transport-level failures
// (dial, handshake, session setup), matching the ssh binary's convention.
const TransportExitCode = 255

// NativeRunner launches in-process attempts over x/crypto/ssh. It
// satisfies the same launch contract as the exec transport.
type NativeRunner struct {
	ConnectTimeout time.Duration   // Dial and handshake timeout hint
	Logger         *logging.Logger // Optional
}

// Launch starts one attempt for the target. It satisfies dispatch.LaunchFunc.
func (r *NativeRunner) Launch(tgt target.Target, command string, emit func(*dispatch.Result)) (dispatch.Attempt, error) {
	a := &NativeAttempt{
		tgt:     tgt,
		command: command,
		emit:    emit,
		logger:  r.Logger,
		timeout: r.ConnectTimeout,
		started: time.Now(),
	}

	go a.run()
	return a, nil
}

// NativeAttempt is one host's in-process execution attempt. It owns its
// SSH connection exclusively and emits exactly one Result on completion.
type NativeAttempt struct {
	tgt     target.Target
	command string
	emit    func(*dispatch.Result)
	logger  *logging.Logger
	timeout time.Duration
	started time.Time

	phase atomic.Int32
	done  atomic.Bool

	mu         sync.Mutex
	netConn    net.Conn
	conn       *ssh.Client
	killReason dispatch.KillReason
}

// Target returns the host this attempt runs against
func (a *NativeAttempt) Target() target.Target {
	return a.tgt
}

// Phase returns Connecting until the SSH handshake completes, Running thereafter
func (a *NativeAttempt) Phase() dispatch.Phase {
	return dispatch.Phase(a.phase.Load())
}

// StartedAt returns the dispatch timestamp used for timeout accounting
func (a *NativeAttempt) StartedAt() time.Time {
	return a.started
}

// Alive reports whether the attempt is still executing. It only turns
// false after the attempt's Result has been pushed.
func (a *NativeAttempt) Alive() bool {
	return !a.done.Load()
}

// Kill forcibly terminates the attempt by closing its connection.
// Idempotent; racing with natural completion never emits a second Result.
func (a *NativeAttempt) Kill(reason dispatch.KillReason) {
	if a.done.Load() {
		return
	}

	a.mu.Lock()
	if a.killReason == dispatch.KillNone {
		a.killReason = reason
	}
	conn := a.conn
	netConn := a.netConn
	a.mu.Unlock()

	// Tearing down the connection unblocks session.Run. Before the SSH
	// client exists, closing the raw connection aborts a handshake in
	// progress instead.
	if conn != nil {
		_ = conn.Close()
	} else if netConn != nil {
		_ = netConn.Close()
	}
}

// run performs the whole attempt lifecycle in its own goroutine: dial,
// handshake, execute, collect, emit.
func (a *NativeAttempt) run() {
	res := a.execute()
	res.Duration = time.Since(a.started)

	if a.logger != nil {
		a.logger.LogAttemptFinished(a.tgt, res.ExitCode, res.Connected, res.Duration)
	}

	// The record must be in the sink before Alive turns false.
	a.emit(res)
	a.done.Store(true)
}

// execute connects and runs the command, composing the attempt's Result
func (a *NativeAttempt) execute() *dispatch.Result {
	res := &dispatch.Result{Target: a.tgt}

	clientConfig, err := a.buildClientConfig()
	if err != nil {
		return a.transportFailure(res, fmt.Errorf("ssh config: %w", err))
	}

	dialer := &net.Dialer{Timeout: a.timeout}
	netConn, err := dialer.Dial("tcp", a.tgt.Addr())
	if err != nil {
		return a.transportFailure(res, fmt.Errorf("dial %s: %w", a.tgt.Addr(), err))
	}

	// Publish the raw connection before the handshake so a concurrent Kill
	// can always unblock it; a kill that landed during the dial ends the
	// attempt here.
	a.mu.Lock()
	a.netConn = netConn
	killed := a.killReason != dispatch.KillNone
	a.mu.Unlock()
	if killed {
		netConn.Close()
		return a.killedResult(res)
	}

	// The dialer timeout covers only the TCP dial; a server that accepts
	// and goes silent would otherwise stall the handshake indefinitely.
	if a.timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(a.timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, a.tgt.Addr(), clientConfig)
	if err != nil {
		netConn.Close()
		return a.transportFailure(res, fmt.Errorf("handshake with %s: %w", a.tgt.Addr(), err))
	}
	_ = netConn.SetDeadline(time.Time{})

	conn := ssh.NewClient(sshConn, chans, reqs)
	a.mu.Lock()
	a.conn = conn
	killed = a.killReason != dispatch.KillNone
	a.mu.Unlock()
	defer conn.Close()

	if killed {
		// Killed during the handshake window; treat as never connected.
		return a.killedResult(res)
	}

	// Handshake observed: the attempt is now governed by the command timeout.
	a.phase.Store(int32(dispatch.Running))
	res.Connected = true

	session, err := conn.NewSession()
	if err != nil {
		return a.transportFailure(res, fmt.Errorf("session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := session.Run(a.command)

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	if runErr == nil {
		res.ExitCode = 0
		return res
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		// The command ran to completion with a non-zero status.
		res.ExitCode = exitErr.ExitStatus()
		return res
	}

	a.mu.Lock()
	reason := a.killReason
	a.mu.Unlock()

	if reason != dispatch.KillNone {
		return a.killedResult(res)
	}

	// Session died without an exit status and without a kill: surface as a
	// transport failure.
	return a.transportFailure(res, runErr)
}

// transportFailure finalizes a result for a transport-level error. If a
// kill raced with the failure, the kill wins so the record carries the
// sweep's timeout annotation.
func (a *NativeAttempt) transportFailure(res *dispatch.Result, err error) *dispatch.Result {
	a.mu.Lock()
	reason := a.killReason
	a.mu.Unlock()

	if reason != dispatch.KillNone {
		return a.killedResult(res)
	}

	res.ExitCode = TransportExitCode
	res.Stderr = appendLine(res.Stderr, err.Error())
	return res
}

// killedResult finalizes a result for a forced termination
func (a *NativeAttempt) killedResult(res *dispatch.Result) *dispatch.Result {
	a.mu.Lock()
	reason := a.killReason
	a.mu.Unlock()

	res.Killed = reason
	res.ExitCode = dispatch.KilledExitCode
	res.Stderr = appendLine(res.Stderr, fmt.Sprintf("ssh-fleet: attempt killed: %s after %v",
		reason, time.Since(a.started).Round(time.Millisecond)))
	return res
}

// appendLine appends a line to captured stderr, keeping it newline-terminated
func appendLine(stderr []byte, line string) []byte {
	out := make([]byte, len(stderr), len(stderr)+len(line)+2)
	copy(out, stderr)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return append(out, []byte(line+"\n")...)
}

// buildClientConfig creates the SSH client configuration with
// non-interactive authentication methods only
func (a *NativeAttempt) buildClientConfig() (*ssh.ClientConfig, error) {
	authMethods, err := a.authMethods()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            a.tgt.User,
		Auth:            authMethods,
		HostKeyCallback: a.hostKeyCallback(),
		Timeout:         a.timeout,
	}, nil
}

// authMethods returns the available non-interactive authentication methods
// in order of preference: agent first, then identity file
func (a *NativeAttempt) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if agentAuth := agentAuthMethod(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	if a.tgt.IdentityFile != "" {
		keyAuth, err := keyAuthMethod(a.tgt.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity file %s: %w", a.tgt.IdentityFile, err)
		}
		methods = append(methods, keyAuth)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available")
	}

	return methods, nil
}

// agentAuthMethod returns SSH agent authentication if an agent is reachable
func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	if agentConn, err := net.Dial("unix", sock); err == nil {
		return ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers)
	}
	return nil
}

// keyAuthMethod returns public key authentication using the given private key file
func keyAuthMethod(keyPath string) (ssh.AuthMethod, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// hostKeyCallback returns a host key callback that tries known_hosts
// first, then falls back to accepting unknown keys with a warning
func (a *NativeAttempt) hostKeyCallback() ssh.HostKeyCallback {
	if homeDir, err := os.UserHomeDir(); err == nil {
		knownHostsFile := homeDir + "/.ssh/known_hosts"
		if _, err := os.Stat(knownHostsFile); err == nil {
			if cb, err := knownhosts.New(knownHostsFile); err == nil {
				return cb
			}
		}
	}

	if cb, err := knownhosts.New("/etc/ssh/ssh_known_hosts"); err == nil {
		return cb
	}

	return ssh.HostKeyCallback(func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if a.logger != nil {
			a.logger.LogConnectionWarning(hostname, "host key verification disabled")
		}
		return nil
	})
}
