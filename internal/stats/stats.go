// Package stats aggregates run statistics for ssh-fleet dispatch runs.
package stats

import (
	"fmt"
	"io"
	"sync"
	"time"

	"ssh-fleet/internal/errors"
)

// Tracker accumulates per-class outcome counts and throughput figures for
// one dispatch run and renders a final summary block.
type Tracker struct {
	mu             sync.RWMutex
	startTime      time.Time
	totalHosts     int
	counts         map[errors.OutcomeClass]int
	bytesCollected int64
	writer         io.Writer
	enabled        bool
}

// NewTracker creates a statistics tracker over the given host count
func NewTracker(totalHosts int, writer io.Writer, enabled bool) *Tracker {
	return &Tracker{
		startTime:  time.Now(),
		totalHosts: totalHosts,
		counts:     make(map[errors.OutcomeClass]int),
		writer:     writer,
		enabled:    enabled,
	}
}

// Record accounts for one finished host
func (t *Tracker) Record(class errors.OutcomeClass, outputBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[class]++
	t.bytesCollected += outputBytes
}

// Done returns the number of recorded hosts
func (t *Tracker) Done() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	done := 0
	for _, n := range t.counts {
		done += n
	}
	return done
}

// CountByClass returns the number of hosts that finished with the given class
func (t *Tracker) CountByClass(class errors.OutcomeClass) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[class]
}

// Finish renders the final summary block when enabled
func (t *Tracker) Finish() {
	if !t.enabled {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	elapsed := time.Since(t.startTime)
	ok := t.counts[errors.OK]

	fmt.Fprintf(t.writer, "\nRun statistics:\n")
	fmt.Fprintf(t.writer, "  Hosts: %d\n", t.totalHosts)
	if t.totalHosts > 0 {
		fmt.Fprintf(t.writer, "  Succeeded: %d (%.1f%%)\n", ok, float64(ok)/float64(t.totalHosts)*100)
	}

	order := []errors.OutcomeClass{
		errors.CommandFailure,
		errors.ConnectTimeout,
		errors.CommandTimeout,
		errors.TransportFailure,
		errors.Canceled,
	}
	for _, class := range order {
		if n := t.counts[class]; n > 0 {
			fmt.Fprintf(t.writer, "  %s: %d\n", class, n)
		}
	}

	fmt.Fprintf(t.writer, "  Output collected: %s\n", formatBytes(t.bytesCollected))
	fmt.Fprintf(t.writer, "  Elapsed: %v\n", elapsed.Round(time.Second))

	if elapsed.Seconds() > 0 && t.totalHosts > 0 {
		fmt.Fprintf(t.writer, "  Rate: %.2f hosts/second\n", float64(t.totalHosts)/elapsed.Seconds())
	}
}

// formatBytes formats a byte count in human readable form
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
