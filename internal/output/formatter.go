// Package output formats completed attempt records for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"ssh-fleet/internal/dispatch"
)

// Mode defines the available output formatting modes
type Mode string

const (
	// TextMode tags every output line with host, returncode and line index
	TextMode Mode = "text"

	// JSONMode emits one NDJSON object per host result
	JSONMode Mode = "json"
)

// Formatter defines the interface for rendering completed results. Results
// arrive in completion order and are rendered immediately; nothing is held
// back across hosts.
type Formatter interface {
	// Format renders a single result
	Format(result *dispatch.Result) error

	// Finalize performs any final output operations
	Finalize() error
}

// DefaultFormatter implements the Formatter interface for both modes.
// Stdout lines go to the primary writer, stderr lines to the error writer.
type DefaultFormatter struct {
	mode      Mode
	writer    io.Writer
	errWriter io.Writer
	mu        sync.Mutex
}

// NewFormatter creates a formatter for the given mode. Writers default to
// os.Stdout and os.Stderr.
func NewFormatter(mode Mode, writer, errWriter io.Writer) Formatter {
	if writer == nil {
		writer = os.Stdout
	}
	if errWriter == nil {
		errWriter = os.Stderr
	}

	return &DefaultFormatter{
		mode:      mode,
		writer:    writer,
		errWriter: errWriter,
	}
}

// Format renders a single result based on the configured mode
func (f *DefaultFormatter) Format(result *dispatch.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.mode {
	case TextMode:
		return f.formatText(result)
	case JSONMode:
		return f.formatJSON(result)
	default:
		return fmt.Errorf("unknown output mode: %s", f.mode)
	}
}

// Finalize performs any final output operations
func (f *DefaultFormatter) Finalize() error {
	return nil
}

// formatText writes the record as tagged lines. Stdout is split into lines
// and each line carries the host, the returncode and a running index over
// the host's line count. A host that produced no output still yields one
// (empty) tagged line. Stderr gets the same tagging on the error writer,
// only when non-empty.
func (f *DefaultFormatter) formatText(result *dispatch.Result) error {
	label := result.Target.Label()

	lines := splitLines(result.Stdout)
	total := len(lines)
	for i, line := range lines {
		if _, err := fmt.Fprintf(f.writer, "[%s] rc=%d %d/%d: %s\n",
			label, result.ExitCode, i+1, total, line); err != nil {
			return fmt.Errorf("failed to write stdout line: %w", err)
		}
	}

	if len(result.Stderr) > 0 {
		errLines := splitLines(result.Stderr)
		errTotal := len(errLines)
		for i, line := range errLines {
			if _, err := fmt.Fprintf(f.errWriter, "[%s] rc=%d %d/%d: %s\n",
				label, result.ExitCode, i+1, errTotal, line); err != nil {
				return fmt.Errorf("failed to write stderr line: %w", err)
			}
		}
	}

	return nil
}

// splitLines splits captured output into display lines. Empty output maps
// to a single empty line, so every host is visible in the text stream.
func splitLines(b []byte) []string {
	s := strings.TrimSuffix(string(b), "\n")
	return strings.Split(s, "\n")
}

// JSONOutput represents the JSON structure for NDJSON output
type JSONOutput struct {
	Host       string `json:"host"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Connected  bool   `json:"connected"`
	Killed     string `json:"killed,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// formatJSON outputs results as NDJSON (newline-delimited JSON)
func (f *DefaultFormatter) formatJSON(result *dispatch.Result) error {
	out := JSONOutput{
		Host:       result.Target.Label(),
		ExitCode:   result.ExitCode,
		Stdout:     string(result.Stdout),
		Stderr:     string(result.Stderr),
		Connected:  result.Connected,
		DurationMs: result.Duration.Milliseconds(),
	}

	if result.Killed != dispatch.KillNone {
		out.Killed = result.Killed.String()
	}

	jsonBytes, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := fmt.Fprintf(f.writer, "%s\n", jsonBytes); err != nil {
		return fmt.Errorf("failed to write JSON: %w", err)
	}

	return nil
}
