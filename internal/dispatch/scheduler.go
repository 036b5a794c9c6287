// Package dispatch implements the concurrent fan-out engine: a bounded set
// of remote-execution attempts driven by a single scheduling loop, with
// completion-ordered results delivered through one sink.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ssh-fleet/internal/logging"
	"ssh-fleet/internal/target"
)

// Default cadences for the scheduler control loop
const (
	// DefaultPollInterval is the sleep between fill/reap cycles
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultSweepInterval is the wall-time spacing of timeout sweeps
	DefaultSweepInterval = 1 * time.Second
)

// Config holds the scheduling parameters for one dispatch run
type Config struct {
	ConnectTimeout time.Duration // Kill attempts still connecting after this long
	CommandTimeout time.Duration // Kill connected attempts running longer than this
	Bound          int           // Maximum number of concurrently active attempts
	PollInterval   time.Duration // Loop sleep (defaults to DefaultPollInterval)
	SweepInterval  time.Duration // Timeout sweep spacing (defaults to DefaultSweepInterval)
}

// Scheduler owns the pending-host queue and the active-attempt set for one
// run. It refills the active set up to the concurrency bound as attempts
// finish, sweeps active attempts for timeout violations, and closes the
// sink once both queue and set are empty. A Scheduler drives exactly one
// call to Run and is not restartable.
type Scheduler struct {
	cfg     Config
	command string
	launch  LaunchFunc
	sink    *Sink
	logger  *logging.Logger

	// mu guards pending and active. Both are mutated only by the Run loop;
	// the mutex exists for the consumer-facing Snapshot.
	mu      sync.Mutex
	pending []target.Target
	active  []Attempt

	canceled bool
}

// NewScheduler creates a scheduler for one run over the given targets.
// The sink should have capacity for at least len(targets) records.
func NewScheduler(cfg Config, targets []target.Target, command string, launch LaunchFunc, sink *Sink, logger *logging.Logger) *Scheduler {
	if cfg.Bound < 1 {
		cfg.Bound = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	pending := make([]target.Target, len(targets))
	copy(pending, targets)

	return &Scheduler{
		cfg:     cfg,
		command: command,
		launch:  launch,
		sink:    sink,
		logger:  logger,
		pending: pending,
	}
}

// Run drives the dispatch loop: fill the active set up to the bound, sleep
// briefly, sweep for timeout violations on the sweep cadence, and reap
// finished attempts. It returns after every host has produced its Result
// and the sentinel has been emitted. Canceling ctx kills active attempts
// and fails pending hosts; their records are still delivered.
func (s *Scheduler) Run(ctx context.Context) {
	start := time.Now()
	if s.logger != nil {
		s.logger.LogDispatchStart(s.hostCount(), s.cfg.Bound, s.cfg.ConnectTimeout, s.cfg.CommandTimeout)
	}

	lastSweep := time.Now()
	for s.remaining() > 0 {
		if ctx.Err() != nil && !s.canceled {
			s.cancelRun()
		}

		s.fill()

		time.Sleep(s.cfg.PollInterval)

		if time.Since(lastSweep) >= s.cfg.SweepInterval {
			s.sweep()
			lastSweep = time.Now()
		}

		s.reap()
	}

	s.sink.Close()

	if s.logger != nil {
		s.logger.LogDispatchComplete(time.Since(start))
	}
}

// Snapshot returns a human-readable view of the currently active attempts
// and their phases, for heartbeat status reporting. Safe to call from the
// consumer goroutine while Run is looping.
func (s *Scheduler) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) == 0 {
		return fmt.Sprintf("no active attempts, %d pending", len(s.pending))
	}

	parts := make([]string, 0, len(s.active))
	for _, att := range s.active {
		parts = append(parts, fmt.Sprintf("%s(%s)", att.Target().Label(), att.Phase()))
	}

	return fmt.Sprintf("%d active: %s, %d pending", len(parts), strings.Join(parts, " "), len(s.pending))
}

// fill pops pending hosts and starts attempts until the bound is reached
// or the queue is exhausted
func (s *Scheduler) fill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.active) < s.cfg.Bound && len(s.pending) > 0 {
		tgt := s.pending[0]
		s.pending = s.pending[1:]

		att, err := s.launch(tgt, s.command, s.sink.Push)
		if err != nil {
			// A host whose process cannot start still yields one record
			// instead of aborting the run.
			if s.logger != nil {
				s.logger.LogAttemptStartFailed(tgt, err)
			}
			s.sink.Push(&Result{
				Target:   tgt,
				ExitCode: StartFailedExitCode,
				Stderr:   []byte(fmt.Sprintf("ssh-fleet: failed to start attempt: %v", err)),
			})
			continue
		}

		s.active = append(s.active, att)
	}
}

// sweep evaluates the two timeout classes against every active attempt.
// An attempt that never left Connecting is governed only by the connect
// timeout, even when that exceeds the command timeout. Kill is idempotent,
// so racing with natural exit is harmless.
func (s *Scheduler) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, att := range s.active {
		elapsed := time.Since(att.StartedAt())

		switch att.Phase() {
		case Connecting:
			if elapsed >= s.cfg.ConnectTimeout {
				if s.logger != nil {
					s.logger.LogAttemptKilled(att.Target(), KillConnect.String(), elapsed)
				}
				att.Kill(KillConnect)
			}
		case Running:
			if elapsed >= s.cfg.CommandTimeout {
				if s.logger != nil {
					s.logger.LogAttemptKilled(att.Target(), KillCommand.String(), elapsed)
				}
				att.Kill(KillCommand)
			}
		}
	}
}

// reap removes attempts that have finished. An attempt only reports
// Alive()==false after its Result has been pushed, so a reaped attempt's
// record is already in the sink.
func (s *Scheduler) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := s.active[:0]
	for _, att := range s.active {
		if att.Alive() {
			alive = append(alive, att)
		}
	}
	s.active = alive
}

// cancelRun kills every active attempt and fails all pending hosts. Each
// host still gets its record, so the consumer drains normally.
func (s *Scheduler) cancelRun() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.canceled = true

	for _, att := range s.active {
		att.Kill(KillCanceled)
	}

	for _, tgt := range s.pending {
		s.sink.Push(&Result{
			Target:   tgt,
			ExitCode: StartFailedExitCode,
			Stderr:   []byte("ssh-fleet: run canceled before dispatch"),
		})
	}
	s.pending = nil
}

func (s *Scheduler) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.active)
}

func (s *Scheduler) hostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
