package dispatch

import (
	"time"

	"ssh-fleet/internal/logging"
)

// Sink carries completed attempt records from workers to the single
// consumer. It is a bounded multi-producer/single-consumer queue; the
// scheduler sizes it so that producers never block. Closing the sink is
// the "no more results will ever arrive" sentinel.
type Sink struct {
	ch     chan *Result
	logger *logging.Logger
}

// NewSink creates a sink with the given capacity. Capacity must be at
// least the number of hosts in the run so a Push never blocks.
func NewSink(capacity int, logger *logging.Logger) *Sink {
	if capacity < 1 {
		capacity = 1
	}
	return &Sink{
		ch:     make(chan *Result, capacity),
		logger: logger,
	}
}

// Push delivers one completed record. Safe for concurrent use by attempts.
func (s *Sink) Push(r *Result) {
	s.ch <- r
}

// Close emits the sentinel. Only the scheduler calls this, exactly once,
// after every attempt has pushed its record.
func (s *Sink) Close() {
	close(s.ch)
}

// Next blocks until a record or the sentinel arrives. Records come back in
// completion order, not submission order. After the sentinel, Next returns
// (nil, false) on every call.
//
// When statusInterval > 0 and snapshot is non-nil, Next emits a heartbeat
// log line built from snapshot() whenever no record has arrived within the
// interval, then keeps waiting. Heartbeats do not consume a record or
// affect scheduling.
func (s *Sink) Next(statusInterval time.Duration, snapshot func() string) (*Result, bool) {
	if statusInterval <= 0 || snapshot == nil {
		r, ok := <-s.ch
		return r, ok
	}

	timer := time.NewTimer(statusInterval)
	defer timer.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			return r, ok
		case <-timer.C:
			if s.logger != nil {
				s.logger.LogHeartbeat(snapshot())
			}
			timer.Reset(statusInterval)
		}
	}
}
