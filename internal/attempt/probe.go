package attempt

import (
	"bytes"
	"sync"
)

// probeWriter watches a transport process's stdout stream for the
// handshake token line and captures everything after it as command output.
// The token is echoed by the remote shell before the user command runs, so
// observing it at the very start of the stream is the connecting→running
// transition. The token is random per attempt, which keeps command output
// from ever being mistaken for the handshake.
type probeWriter struct {
	mu     sync.Mutex
	token  []byte // token line including trailing newline
	seen   bool
	raw    bytes.Buffer // bytes received before the token is decided
	out    bytes.Buffer // command output after the token
	onSeen func()
}

// newProbeWriter creates a writer watching for the given token at the
// start of the stream. onSeen fires exactly once, when the token line has
// been fully received.
func newProbeWriter(token string, onSeen func()) *probeWriter {
	return &probeWriter{
		token:  []byte(token + "\n"),
		onSeen: onSeen,
	}
}

// Write implements io.Writer. Token detection is tolerant of arbitrary
// write boundaries: bytes accumulate until the stream either matches the
// token line or diverges from it.
func (w *probeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen {
		w.out.Write(p)
		return len(p), nil
	}

	w.raw.Write(p)
	buf := w.raw.Bytes()

	if bytes.HasPrefix(buf, w.token) {
		w.seen = true
		w.out.Write(buf[len(w.token):])
		w.raw.Reset()
		if w.onSeen != nil {
			w.onSeen()
		}
	}
	// When buf is no longer a prefix of the token the stream can never
	// match: the remote side did not echo the probe. Bytes stay in raw and
	// come back verbatim from Output.

	return len(p), nil
}

// Seen reports whether the handshake token has been observed
func (w *probeWriter) Seen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen
}

// Output returns the captured command output: everything after the token
// line, or the raw stream if the token never appeared.
func (w *probeWriter) Output() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	var src *bytes.Buffer
	if w.seen {
		src = &w.out
	} else {
		src = &w.raw
	}

	out := make([]byte, src.Len())
	copy(out, src.Bytes())
	return out
}
