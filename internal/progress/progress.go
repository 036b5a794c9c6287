// Package progress provides an inline progress display for ssh-fleet runs.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Tracker tracks and displays completion progress for a dispatch run
type Tracker struct {
	total     int
	completed int
	failed    int
	startTime time.Time
	mu        sync.RWMutex
	writer    io.Writer
	enabled   bool
	lastDraw  time.Time
}

// NewTracker creates a progress tracker over the given host count
func NewTracker(total int, writer io.Writer, enabled bool) *Tracker {
	return &Tracker{
		total:     total,
		startTime: time.Now(),
		writer:    writer,
		enabled:   enabled,
	}
}

// Update records one finished host
func (p *Tracker) Update(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if success {
		p.completed++
	} else {
		p.failed++
	}

	if p.enabled {
		p.draw()
	}
}

// Finish completes the progress tracking and shows final counts
func (p *Tracker) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enabled {
		p.drawFinal()
	}
}

// draw renders the current progress bar
func (p *Tracker) draw() {
	now := time.Now()
	// Throttle updates to avoid excessive output
	if now.Sub(p.lastDraw) < 100*time.Millisecond {
		return
	}
	p.lastDraw = now

	done := p.completed + p.failed
	if p.total == 0 {
		return
	}

	percentage := float64(done) / float64(p.total) * 100
	elapsed := now.Sub(p.startTime)

	var eta string
	if done > 0 {
		avgPerHost := elapsed / time.Duration(done)
		remaining := p.total - done
		eta = fmt.Sprintf("ETA: %v", (avgPerHost * time.Duration(remaining)).Round(time.Second))
	} else {
		eta = "ETA: calculating..."
	}

	barWidth := 40
	filled := int(float64(barWidth) * percentage / 100)
	bar := ""
	for i := 0; i < barWidth; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}

	fmt.Fprintf(p.writer, "\r[%s] %.1f%% (%d/%d) ✓%d ✗%d [%v] %s",
		bar, percentage, done, p.total, p.completed, p.failed,
		elapsed.Round(time.Second), eta)
}

// drawFinal renders the final progress summary
func (p *Tracker) drawFinal() {
	done := p.completed + p.failed
	elapsed := time.Since(p.startTime)

	fmt.Fprintf(p.writer, "\r%100s\r", "")

	if p.failed == 0 {
		fmt.Fprintf(p.writer, "✓ Completed %d/%d hosts successfully in %v\n",
			p.completed, p.total, elapsed.Round(time.Second))
	} else {
		fmt.Fprintf(p.writer, "⚠ Completed %d/%d hosts (%d successful, %d failed) in %v\n",
			done, p.total, p.completed, p.failed, elapsed.Round(time.Second))
	}
}

// Counts returns the current progress counters
func (p *Tracker) Counts() (completed, failed, total int, elapsed time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.completed, p.failed, p.total, time.Since(p.startTime)
}
