package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ssh-fleet/internal/target"
)

// fakeAttempt is a controllable Attempt for scheduler tests. It finishes
// when finish is called or when killed, and honors the push-before-done
// contract the scheduler relies on.
type fakeAttempt struct {
	tgt     target.Target
	started time.Time
	emit    func(*Result)

	phase atomic.Int32
	done  atomic.Bool

	mu     sync.Mutex
	killed KillReason
	ended  bool
}

func newFakeAttempt(tgt target.Target, emit func(*Result)) *fakeAttempt {
	return &fakeAttempt{
		tgt:     tgt,
		started: time.Now(),
		emit:    emit,
	}
}

func (f *fakeAttempt) Target() target.Target { return f.tgt }
func (f *fakeAttempt) Phase() Phase          { return Phase(f.phase.Load()) }
func (f *fakeAttempt) StartedAt() time.Time  { return f.started }
func (f *fakeAttempt) Alive() bool           { return !f.done.Load() }

func (f *fakeAttempt) Kill(reason KillReason) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended = true
	f.killed = reason
	f.mu.Unlock()

	f.emit(&Result{
		Target:    f.tgt,
		ExitCode:  KilledExitCode,
		Connected: f.Phase() == Running,
		Killed:    reason,
		Duration:  time.Since(f.started),
	})
	f.done.Store(true)
}

// finish simulates a natural exit with the given code
func (f *fakeAttempt) finish(exitCode int) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended = true
	f.mu.Unlock()

	f.emit(&Result{
		Target:    f.tgt,
		ExitCode:  exitCode,
		Connected: true,
		Duration:  time.Since(f.started),
	})
	f.done.Store(true)
}

func makeTargets(n int) []target.Target {
	targets := make([]target.Target, n)
	for i := range targets {
		targets[i] = target.Target{
			Host:     fmt.Sprintf("host%d", i),
			Port:     22,
			Original: fmt.Sprintf("host%d", i),
		}
	}
	return targets
}

func fastConfig(bound int) Config {
	return Config{
		ConnectTimeout: time.Minute,
		CommandTimeout: time.Minute,
		Bound:          bound,
		PollInterval:   2 * time.Millisecond,
		SweepInterval:  5 * time.Millisecond,
	}
}

// drain consumes the sink until the sentinel and returns all records
func drain(t *testing.T, sink *Sink) []*Result {
	t.Helper()

	var results []*Result
	deadline := time.After(10 * time.Second)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			r, ok := sink.Next(0, nil)
			if !ok {
				return
			}
			results = append(results, r)
		}
	}()

	select {
	case <-done:
		return results
	case <-deadline:
		t.Fatal("timed out draining sink")
		return nil
	}
}

func TestSchedulerDeliversOneRecordPerHost(t *testing.T) {
	const hosts = 20
	targets := makeTargets(hosts)
	sink := NewSink(hosts+1, nil)

	launch := func(tgt target.Target, command string, emit func(*Result)) (Attempt, error) {
		att := newFakeAttempt(tgt, emit)
		att.phase.Store(int32(Running))
		time.AfterFunc(time.Duration(1+len(tgt.Host)%5)*time.Millisecond, func() {
			att.finish(0)
		})
		return att, nil
	}

	sched := NewScheduler(fastConfig(4), targets, "uptime", launch, sink, nil)
	go sched.Run(context.Background())

	results := drain(t, sink)

	if len(results) != hosts {
		t.Fatalf("got %d records, want %d", len(results), hosts)
	}

	seen := make(map[string]int)
	for _, r := range results {
		seen[r.Target.Host]++
	}
	for host, n := range seen {
		if n != 1 {
			t.Errorf("host %s produced %d records, want exactly 1", host, n)
		}
	}
	if len(seen) != hosts {
		t.Errorf("got records for %d distinct hosts, want %d", len(seen), hosts)
	}

	// The sentinel is sticky: every subsequent receive reports closed.
	for i := 0; i < 3; i++ {
		if r, ok := sink.Next(0, nil); ok || r != nil {
			t.Fatalf("receive after sentinel returned (%v, %v), want (nil, false)", r, ok)
		}
	}
}

func TestSchedulerRespectsBound(t *testing.T) {
	const hosts = 30
	const bound = 5

	targets := makeTargets(hosts)
	sink := NewSink(hosts+1, nil)

	var active, maxActive atomic.Int32

	launch := func(tgt target.Target, command string, emit func(*Result)) (Attempt, error) {
		n := active.Add(1)
		for {
			max := maxActive.Load()
			if n <= max || maxActive.CompareAndSwap(max, n) {
				break
			}
		}

		att := newFakeAttempt(tgt, emit)
		time.AfterFunc(5*time.Millisecond, func() {
			active.Add(-1)
			att.finish(0)
		})
		return att, nil
	}

	sched := NewScheduler(fastConfig(bound), targets, "true", launch, sink, nil)
	go sched.Run(context.Background())

	results := drain(t, sink)

	if len(results) != hosts {
		t.Fatalf("got %d records, want %d", len(results), hosts)
	}
	if got := maxActive.Load(); got > bound {
		t.Errorf("observed %d concurrent attempts, bound is %d", got, bound)
	}
}

func TestSchedulerConnectTimeoutSweep(t *testing.T) {
	targets := makeTargets(1)
	sink := NewSink(2, nil)

	// The attempt never leaves Connecting and never exits on its own.
	launch := func(tgt target.Target, command string, emit func(*Result)) (Attempt, error) {
		return newFakeAttempt(tgt, emit), nil
	}

	cfg := Config{
		ConnectTimeout: 20 * time.Millisecond,
		CommandTimeout: time.Minute,
		Bound:          1,
		PollInterval:   2 * time.Millisecond,
		SweepInterval:  5 * time.Millisecond,
	}

	sched := NewScheduler(cfg, targets, "true", launch, sink, nil)
	go sched.Run(context.Background())

	results := drain(t, sink)

	if len(results) != 1 {
		t.Fatalf("got %d records, want 1", len(results))
	}
	r := results[0]
	if r.Killed != KillConnect {
		t.Errorf("Killed = %v, want %v", r.Killed, KillConnect)
	}
	if r.ExitCode != KilledExitCode {
		t.Errorf("ExitCode = %d, want %d", r.ExitCode, KilledExitCode)
	}
	if r.Connected {
		t.Error("Connected = true for an attempt that never completed its handshake")
	}
}

func TestSchedulerCommandTimeoutSweep(t *testing.T) {
	targets := makeTargets(1)
	sink := NewSink(2, nil)

	launch := func(tgt target.Target, command string, emit func(*Result)) (Attempt, error) {
		att := newFakeAttempt(tgt, emit)
		att.phase.Store(int32(Running))
		return att, nil
	}

	cfg := Config{
		// Shorter than the command timeout: a Running attempt must be
		// governed by the command timeout only.
		ConnectTimeout: 5 * time.Millisecond,
		CommandTimeout: 40 * time.Millisecond,
		Bound:          1,
		PollInterval:   2 * time.Millisecond,
		SweepInterval:  5 * time.Millisecond,
	}

	sched := NewScheduler(cfg, targets, "sleep 100", launch, sink, nil)

	start := time.Now()
	go sched.Run(context.Background())
	results := drain(t, sink)
	elapsed := time.Since(start)

	if len(results) != 1 {
		t.Fatalf("got %d records, want 1", len(results))
	}
	r := results[0]
	if r.Killed != KillCommand {
		t.Errorf("Killed = %v, want %v", r.Killed, KillCommand)
	}
	if !r.Connected {
		t.Error("Connected = false for an attempt that reached Running")
	}
	if elapsed < cfg.CommandTimeout {
		t.Errorf("attempt killed after %v, before the %v command timeout", elapsed, cfg.CommandTimeout)
	}
}

func TestSchedulerConnectTimeoutStopsAfterHandshake(t *testing.T) {
	targets := makeTargets(1)
	sink := NewSink(2, nil)

	// Handshake completes quickly, then the command runs past the connect
	// timeout. The attempt must survive and exit naturally.
	launch := func(tgt target.Target, command string, emit func(*Result)) (Attempt, error) {
		att := newFakeAttempt(tgt, emit)
		time.AfterFunc(5*time.Millisecond, func() {
			att.phase.Store(int32(Running))
		})
		time.AfterFunc(60*time.Millisecond, func() {
			att.finish(0)
		})
		return att, nil
	}

	cfg := Config{
		ConnectTimeout: 25 * time.Millisecond,
		CommandTimeout: time.Minute,
		Bound:          1,
		PollInterval:   2 * time.Millisecond,
		SweepInterval:  5 * time.Millisecond,
	}

	sched := NewScheduler(cfg, targets, "sleep 0.05", launch, sink, nil)
	go sched.Run(context.Background())

	results := drain(t, sink)

	if len(results) != 1 {
		t.Fatalf("got %d records, want 1", len(results))
	}
	r := results[0]
	if r.Killed != KillNone {
		t.Errorf("Killed = %v, want %v (connect timeout must not apply after handshake)", r.Killed, KillNone)
	}
	if r.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", r.ExitCode)
	}
}

func TestSchedulerLaunchFailureProducesRecord(t *testing.T) {
	targets := makeTargets(3)
	sink := NewSink(4, nil)

	launch := func(tgt target.Target, command string, emit func(*Result)) (Attempt, error) {
		if tgt.Host == "host1" {
			return nil, fmt.Errorf("executable file not found")
		}
		att := newFakeAttempt(tgt, emit)
		att.phase.Store(int32(Running))
		time.AfterFunc(2*time.Millisecond, func() { att.finish(0) })
		return att, nil
	}

	sched := NewScheduler(fastConfig(3), targets, "true", launch, sink, nil)
	go sched.Run(context.Background())

	results := drain(t, sink)

	if len(results) != 3 {
		t.Fatalf("got %d records, want 3 (start failure must not drop the host)", len(results))
	}

	var failed *Result
	for _, r := range results {
		if r.Target.Host == "host1" {
			failed = r
		}
	}
	if failed == nil {
		t.Fatal("no record for the host whose launch failed")
	}
	if failed.ExitCode != StartFailedExitCode {
		t.Errorf("ExitCode = %d, want %d", failed.ExitCode, StartFailedExitCode)
	}
	if !strings.Contains(string(failed.Stderr), "failed to start attempt") {
		t.Errorf("Stderr = %q, want start-failure annotation", failed.Stderr)
	}
}

func TestSchedulerCancelDeliversAllRecords(t *testing.T) {
	const hosts = 10
	targets := makeTargets(hosts)
	sink := NewSink(hosts+1, nil)

	// Attempts hang until killed, so cancellation is the only way out.
	launch := func(tgt target.Target, command string, emit func(*Result)) (Attempt, error) {
		att := newFakeAttempt(tgt, emit)
		att.phase.Store(int32(Running))
		return att, nil
	}

	sched := NewScheduler(fastConfig(3), targets, "sleep 100", launch, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	cancel()

	results := drain(t, sink)

	if len(results) != hosts {
		t.Fatalf("got %d records after cancel, want %d", len(results), hosts)
	}

	var killed, pendingFailed int
	for _, r := range results {
		switch {
		case r.Killed == KillCanceled:
			killed++
		case r.ExitCode == StartFailedExitCode && strings.Contains(string(r.Stderr), "canceled"):
			pendingFailed++
		default:
			t.Errorf("host %s: unexpected record after cancel: exit=%d killed=%v stderr=%q",
				r.Target.Host, r.ExitCode, r.Killed, r.Stderr)
		}
	}
	if killed == 0 {
		t.Error("no active attempts were killed by cancellation")
	}
	if killed+pendingFailed != hosts {
		t.Errorf("killed=%d pending-failed=%d, want them to cover all %d hosts", killed, pendingFailed, hosts)
	}
}

func TestSchedulerSnapshot(t *testing.T) {
	targets := makeTargets(2)
	sink := NewSink(3, nil)
	sched := NewScheduler(fastConfig(2), targets, "true", launchNever, sink, nil)

	t.Run("idle", func(t *testing.T) {
		got := sched.Snapshot()
		if got != "no active attempts, 2 pending" {
			t.Errorf("Snapshot() = %q", got)
		}
	})

	t.Run("active", func(t *testing.T) {
		att := newFakeAttempt(targets[0], sink.Push)
		att.phase.Store(int32(Running))

		sched.mu.Lock()
		sched.active = append(sched.active, att)
		sched.pending = sched.pending[1:]
		sched.mu.Unlock()

		got := sched.Snapshot()
		if !strings.Contains(got, "1 active") || !strings.Contains(got, "host0(running)") || !strings.Contains(got, "1 pending") {
			t.Errorf("Snapshot() = %q, want active host with phase and pending count", got)
		}
	})
}

func launchNever(tgt target.Target, command string, emit func(*Result)) (Attempt, error) {
	return newFakeAttempt(tgt, emit), nil
}

func TestPhaseString(t *testing.T) {
	if Connecting.String() != "connecting" {
		t.Errorf("Connecting.String() = %q", Connecting.String())
	}
	if Running.String() != "running" {
		t.Errorf("Running.String() = %q", Running.String())
	}
}

func TestKillReasonString(t *testing.T) {
	cases := map[KillReason]string{
		KillNone:     "none",
		KillConnect:  "connect timeout",
		KillCommand:  "command timeout",
		KillCanceled: "canceled",
	}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", reason, got, want)
		}
	}
}

func TestResultSucceeded(t *testing.T) {
	ok := &Result{ExitCode: 0, Killed: KillNone}
	if !ok.Succeeded() {
		t.Error("zero exit without kill should succeed")
	}

	failed := &Result{ExitCode: 1}
	if failed.Succeeded() {
		t.Error("non-zero exit should not succeed")
	}

	killed := &Result{ExitCode: KilledExitCode, Killed: KillCommand}
	if killed.Succeeded() {
		t.Error("killed attempt should not succeed")
	}
}
