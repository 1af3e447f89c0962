package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// sseStream serializes Server-Sent Events onto one response. stdout and
// stderr writers share it so events never interleave mid-frame.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// newSSEStream returns nil if w cannot flush.
func newSSEStream(w http.ResponseWriter) *sseStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseStream{w: w, flusher: flusher}
}

func (s *sseStream) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

// Started reports whether any event has been written.
func (s *sseStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// send writes one event. Each line of data gets its own "data:" prefix so a
// newline in program output cannot end the event early or forge another.
func (s *sseStream) send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) sendJSON(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.send(event, string(data))
}

// Writer returns an io.Writer that emits each write as an event.
func (s *sseStream) Writer(event string) *SSEWriter {
	return &SSEWriter{stream: s, event: event}
}

// SSEWriter implements io.Writer over an event stream.
type SSEWriter struct {
	stream *sseStream
	event  string // "stdout" or "stderr"
}

func (w *SSEWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.stream.send(w.event, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
