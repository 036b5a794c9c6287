package attempt

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"ssh-fleet/internal/dispatch"
	"ssh-fleet/internal/target"
)

// startShell runs the attempt machinery against a local shell instead of a
// real transport, exercising the probe and reaping paths end to end.
func startShell(t *testing.T, token, script string) (*ExecAttempt, chan *dispatch.Result) {
	t.Helper()

	results := make(chan *dispatch.Result, 1)
	argv := []string{"/bin/sh", "-c", script}

	att, err := start(argv, target.Target{Host: "local", Port: 22}, token, func(r *dispatch.Result) {
		results <- r
	}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return att, results
}

func waitResult(t *testing.T, results chan *dispatch.Result) *dispatch.Result {
	t.Helper()

	select {
	case r := <-results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

func TestExecAttemptNaturalExit(t *testing.T) {
	const token = "fleet-test"
	att, results := startShell(t, token, fmt.Sprintf("echo %s; echo hello; exit 7", token))

	r := waitResult(t, results)

	if r.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", r.ExitCode)
	}
	if !r.Connected {
		t.Error("Connected = false, want true after probe echo")
	}
	if got := string(r.Stdout); got != "hello\n" {
		t.Errorf("Stdout = %q, want %q", got, "hello\n")
	}
	if r.Killed != dispatch.KillNone {
		t.Errorf("Killed = %v, want %v", r.Killed, dispatch.KillNone)
	}

	// The record is pushed before done flips, so Alive settles shortly after.
	for i := 0; att.Alive() && i < 100; i++ {
		time.Sleep(time.Millisecond)
	}
	if att.Alive() {
		t.Error("attempt still Alive after its record was delivered")
	}
}

func TestExecAttemptEmptyOutput(t *testing.T) {
	const token = "fleet-test"
	_, results := startShell(t, token, fmt.Sprintf("echo %s; true", token))

	r := waitResult(t, results)

	if r.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", r.ExitCode)
	}
	if !r.Connected {
		t.Error("Connected = false")
	}
	if len(r.Stdout) != 0 {
		t.Errorf("Stdout = %q, want empty", r.Stdout)
	}
}

func TestExecAttemptPhaseTransition(t *testing.T) {
	const token = "fleet-test"
	// exec keeps the sleep as the tracked process, so the kill reaches it
	// and the output pipe closes promptly.
	att, results := startShell(t, token, fmt.Sprintf("echo %s; exec sleep 30", token))

	if att.Phase() != dispatch.Connecting {
		// The probe can legitimately land very fast, but Connecting is the
		// expected initial observation.
		t.Logf("phase already %v at launch", att.Phase())
	}

	deadline := time.Now().Add(5 * time.Second)
	for att.Phase() != dispatch.Running {
		if time.Now().After(deadline) {
			t.Fatal("phase never reached Running after probe echo")
		}
		time.Sleep(time.Millisecond)
	}

	att.Kill(dispatch.KillCommand)
	r := waitResult(t, results)

	if r.ExitCode != dispatch.KilledExitCode {
		t.Errorf("ExitCode = %d, want %d", r.ExitCode, dispatch.KilledExitCode)
	}
	if r.Killed != dispatch.KillCommand {
		t.Errorf("Killed = %v, want %v", r.Killed, dispatch.KillCommand)
	}
	if !r.Connected {
		t.Error("Connected = false for an attempt killed after the handshake")
	}
	if !strings.Contains(string(r.Stderr), "attempt killed: command timeout") {
		t.Errorf("Stderr = %q, want forced-kill annotation", r.Stderr)
	}
}

func TestExecAttemptKillWhileConnecting(t *testing.T) {
	const token = "fleet-test"
	// No probe echo: the attempt stays Connecting until killed.
	att, results := startShell(t, token, "exec sleep 30")

	time.Sleep(10 * time.Millisecond)
	att.Kill(dispatch.KillConnect)
	// A second kill must be a harmless no-op and never yield a second record.
	att.Kill(dispatch.KillCommand)

	r := waitResult(t, results)

	if r.Killed != dispatch.KillConnect {
		t.Errorf("Killed = %v, want the first recorded reason %v", r.Killed, dispatch.KillConnect)
	}
	if r.Connected {
		t.Error("Connected = true without a probe echo")
	}

	select {
	case extra := <-results:
		t.Fatalf("second record emitted: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExecAttemptNoHandshake(t *testing.T) {
	const token = "fleet-test"
	// Simulates a transport that fails before the remote shell runs: output
	// diverges from the token and the process exits non-zero on its own.
	_, results := startShell(t, token, "echo refused; exit 255")

	r := waitResult(t, results)

	if r.Connected {
		t.Error("Connected = true, want false when the probe never echoed")
	}
	if r.ExitCode != 255 {
		t.Errorf("ExitCode = %d, want 255", r.ExitCode)
	}
	if got := string(r.Stdout); got != "refused\n" {
		t.Errorf("Stdout = %q, want the raw stream", got)
	}
	if r.Killed != dispatch.KillNone {
		t.Errorf("Killed = %v, want %v for a natural exit", r.Killed, dispatch.KillNone)
	}
}

func TestExecAttemptStderrCaptured(t *testing.T) {
	const token = "fleet-test"
	_, results := startShell(t, token, fmt.Sprintf("echo %s; echo oops >&2; exit 1", token))

	r := waitResult(t, results)

	if r.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", r.ExitCode)
	}
	if got := string(r.Stderr); got != "oops\n" {
		t.Errorf("Stderr = %q, want %q", got, "oops\n")
	}
}

func TestStartFailure(t *testing.T) {
	_, err := start([]string{"/nonexistent/ssh-fleet-test-binary"}, target.Target{Host: "h"}, "tok", func(*dispatch.Result) {
		t.Error("emit must not be called when start fails")
	}, nil)
	if err == nil {
		t.Fatal("expected an error starting a nonexistent binary")
	}
}

func TestRunnerArgv(t *testing.T) {
	r := &Runner{SSHPath: "ssh", ConnectTimeout: 5 * time.Second}
	tgt := target.Target{
		User:         "deploy",
		Host:         "web1.example.com",
		Port:         2222,
		IdentityFile: "/home/deploy/.ssh/id_ed25519",
	}

	argv := r.argv(tgt, "fleet-deadbeef", "uptime")
	joined := strings.Join(argv, " ")

	if argv[0] != "ssh" {
		t.Errorf("argv[0] = %q, want ssh", argv[0])
	}
	for _, want := range []string{
		"BatchMode=yes",
		"ConnectionAttempts=1",
		"StrictHostKeyChecking=accept-new",
		"ConnectTimeout=5",
		"-p 2222",
		"-i /home/deploy/.ssh/id_ed25519",
		"deploy@web1.example.com",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q: %v", want, argv)
		}
	}

	// The remote command is the probe echo followed by the user command,
	// with `;` preserving the command's exit status.
	remote := argv[len(argv)-1]
	if remote != "echo fleet-deadbeef; uptime" {
		t.Errorf("remote command = %q", remote)
	}
}

func TestRunnerArgvDefaults(t *testing.T) {
	r := &Runner{}
	tgt := target.Target{Host: "web1", Port: 22}

	argv := r.argv(tgt, "tok", "true")
	joined := strings.Join(argv, " ")

	if argv[0] != "ssh" {
		t.Errorf("argv[0] = %q, want ssh default", argv[0])
	}
	if strings.Contains(joined, "-p ") {
		t.Errorf("default port must not add -p: %v", argv)
	}
	if strings.Contains(joined, "ConnectTimeout=") {
		t.Errorf("zero ConnectTimeout must not add the option: %v", argv)
	}
	if argv[len(argv)-2] != "web1" {
		t.Errorf("destination = %q, want bare host without user", argv[len(argv)-2])
	}
}

func TestNewTokenUnique(t *testing.T) {
	a, err := newToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := newToken()
	if err != nil {
		t.Fatal(err)
	}

	if a == b {
		t.Errorf("consecutive tokens collided: %q", a)
	}
	if !strings.HasPrefix(a, "fleet-") {
		t.Errorf("token %q missing prefix", a)
	}
}
