package sandbox

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		max     int
		want    string
		wantCut bool
	}{
		{"short", "hello", 10, "hello", false},
		{"exact", "hello", 5, "hello", false},
		{"cut ascii", "hello world", 5, "hello", true},
		{"no split of multibyte", "abécd", 3, "ab", true},
		{"multibyte boundary", "abécd", 4, "abé", true},
		{"empty", "", 5, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cut := truncateOutput(tt.in, tt.max)
			if got != tt.want || cut != tt.wantCut {
				t.Errorf("truncateOutput(%q, %d) = %q, %v; want %q, %v", tt.in, tt.max, got, cut, tt.want, tt.wantCut)
			}
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	c := &cappedBuffer{limit: 8}
	n, err := c.Write([]byte("12345"))
	if n != 5 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = c.Write([]byte("67890"))
	if n != 5 || err != nil {
		t.Fatalf("Write past limit = %d, %v; writes must never fail", n, err)
	}
	if got := c.String(); got != "12345678" {
		t.Errorf("String() = %q, want 12345678", got)
	}
	if !c.overflowed() {
		t.Error("overflowed() = false after dropping bytes")
	}
}

func TestCaptureFill(t *testing.T) {
	c := newCapture(1 << 10)
	var live bytes.Buffer
	outW, errW := c.writers(&live, nil, 100)

	_, _ = outW.Write([]byte(strings.Repeat("x", 20)))
	_, _ = errW.Write([]byte("boom"))

	if live.Len() != 20 {
		t.Errorf("live sink got %d bytes, want 20", live.Len())
	}

	var res ExecutionResult
	c.fill(&res, 10)
	if res.Stdout != strings.Repeat("x", 10) || !res.StdoutTruncated {
		t.Errorf("stdout = %q truncated=%v", res.Stdout, res.StdoutTruncated)
	}
	if res.Stderr != "boom" || res.StderrTruncated {
		t.Errorf("stderr = %q truncated=%v", res.Stderr, res.StderrTruncated)
	}
}

func TestLiveWriter_Capped(t *testing.T) {
	var live bytes.Buffer
	w := newLiveWriter(&live, 10)

	for i := 0; i < 3; i++ {
		n, err := w.Write([]byte("123456"))
		if n != 6 || err != nil {
			t.Fatalf("Write = %d, %v; writes must never fail", n, err)
		}
	}
	if live.String() != "1234561234" {
		t.Errorf("live = %q, want first 10 bytes", live.String())
	}
}

func TestLiveWriter_KeepsRunesWhole(t *testing.T) {
	var live bytes.Buffer
	w := newLiveWriter(&live, 4)
	_, _ = w.Write([]byte("ab\u00e9\u00e9"))

	if live.String() != "ab\u00e9" {
		t.Errorf("live = %q, want %q", live.String(), "ab\u00e9")
	}
}

type failingWriter struct{ calls int }

func (f *failingWriter) Write([]byte) (int, error) {
	f.calls++
	return 0, errors.New("client gone")
}

func TestLiveWriter_DetachesOnError(t *testing.T) {
	f := &failingWriter{}
	w := newLiveWriter(f, 100)
	for i := 0; i < 3; i++ {
		if n, err := w.Write([]byte("x")); n != 1 || err != nil {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if f.calls != 1 {
		t.Errorf("sink written %d times after failing, want 1", f.calls)
	}
}
