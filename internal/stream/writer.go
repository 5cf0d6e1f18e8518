package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/app-inventory/app-inventory/internal/usage"
)

// Writer frames events as `data: <json>\n\n` and flushes after each one. It is safe
// for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	err     error
}

// NewWriter wraps w. When w is an http.Flusher every event is flushed immediately.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// SetHeaders sets the response headers a server-sent event stream needs.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Send writes one event. After the first write error every later call returns the
// same error without writing.
func (sw *Writer) Send(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("stream: encode %s event: %w", e.Type, err)
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.err != nil {
		return sw.err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		sw.err = fmt.Errorf("stream: write event: %w", err)
		return sw.err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Comment writes an SSE comment line, which clients ignore. It keeps idle
// connections from being closed by proxies.
func (sw *Writer) Comment(text string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.err != nil {
		return sw.err
	}
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		sw.err = fmt.Errorf("stream: write comment: %w", err)
		return sw.err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Reporter adapts the writer to usage.Reporter. Write failures are logged once; the
// scan itself is stopped through its context when the client goes away.
func (sw *Writer) Reporter() usage.Reporter {
	var once sync.Once
	return usage.ReporterFunc(func(p usage.ScanProgress) {
		if err := sw.Send(ProgressEvent(p)); err != nil {
			once.Do(func() {
				slog.Debug("progress stream write failed", "org", p.Organization, "error", err)
			})
		}
	})
}
