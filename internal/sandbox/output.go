package sandbox

import (
	"bytes"
	"io"
	"sync"
	"unicode/utf8"
)

// cappedBuffer keeps the first limit bytes written and silently discards
// the rest, so a chatty program cannot exhaust host memory. Writes never
// fail; the child never sees a short write.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	switch {
	case room <= 0:
		c.dropped += int64(len(p))
	case len(p) > room:
		c.buf.Write(p[:room])
		c.dropped += int64(len(p) - room)
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped > 0
}

// capture collects both streams of one run.
type capture struct {
	stdout cappedBuffer
	stderr cappedBuffer
}

func newCapture(limit int) *capture {
	c := &capture{}
	c.stdout.limit = limit
	c.stderr.limit = limit
	return c
}

// writers tees each stream into the capture and the optional live sink.
// A live sink receives at most liveLimit bytes per stream.
func (c *capture) writers(stdout, stderr io.Writer, liveLimit int) (io.Writer, io.Writer) {
	var outW, errW io.Writer = &c.stdout, &c.stderr
	if stdout != nil {
		outW = io.MultiWriter(&c.stdout, newLiveWriter(stdout, liveLimit))
	}
	if stderr != nil {
		errW = io.MultiWriter(&c.stderr, newLiveWriter(stderr, liveLimit))
	}
	return outW, errW
}

// liveWriter forwards the first limit bytes of a stream to a client and
// drops the rest without a UTF-8 sequence split at the cut. A failed
// client write detaches the sink; capture continues either way.
type liveWriter struct {
	mu        sync.Mutex
	w         io.Writer
	remaining int
}

func newLiveWriter(w io.Writer, limit int) *liveWriter {
	return &liveWriter{w: w, remaining: limit}
}

func (l *liveWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining <= 0 || len(p) == 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > l.remaining {
		n := l.remaining
		for n > 0 && !utf8.RuneStart(p[n]) {
			n--
		}
		chunk = p[:n]
		l.remaining = 0
	} else {
		l.remaining -= len(chunk)
	}
	if len(chunk) > 0 {
		if _, err := l.w.Write(chunk); err != nil {
			l.remaining = 0
		}
	}
	return len(p), nil
}

// fill copies the captured streams onto res, truncated to limit bytes.
func (c *capture) fill(res *ExecutionResult, limit int) {
	var cut bool
	res.Stdout, cut = truncateOutput(c.stdout.String(), limit)
	res.StdoutTruncated = cut || c.stdout.overflowed()
	res.Stderr, cut = truncateOutput(c.stderr.String(), limit)
	res.StderrTruncated = cut || c.stderr.overflowed()
}

// truncateOutput cuts s to at most maxBytes without splitting a UTF-8
// sequence, and reports whether anything was removed.
func truncateOutput(s string, maxBytes int) (string, bool) {
	if len(s) <= maxBytes {
		return s, false
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
