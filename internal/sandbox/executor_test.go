package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"coderoom/internal/hooks"
	"coderoom/internal/monitor"
)

type fakeBackend struct {
	result *ExecutionResult
	err    error
	calls  int
	stream bool
}

func (f *fakeBackend) Execute(_ context.Context, _ ExecutionRequest) (*ExecutionResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeBackend) ExecuteStreaming(_ context.Context, _ ExecutionRequest, stdout, _ io.Writer) (*ExecutionResult, error) {
	f.calls++
	f.stream = true
	if f.result != nil {
		fmt.Fprint(stdout, f.result.Stdout)
	}
	return f.result, f.err
}

func (f *fakeBackend) Name() string       { return "fake" }
func (f *fakeBackend) ActiveCount() int64 { return 0 }
func (f *fakeBackend) Close() error       { return nil }

type fakeRecorder struct {
	mu   sync.Mutex
	runs []ExecutionRequest
	err  error
}

func (r *fakeRecorder) RecordExecution(_ context.Context, req ExecutionRequest, _ *ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, req)
	return r.err
}

func TestExecutor_RunRecordsAndFiresHooks(t *testing.T) {
	backend := &fakeBackend{result: &ExecutionResult{ID: "e1", Stdout: "hi\n", ExitCode: 0}}
	rec := &fakeRecorder{}
	d := hooks.NewDispatcher()
	var fired []hooks.Event
	d.Register(hooks.ExecutionCompleted, "test", func(_ context.Context, ev hooks.Event) error {
		fired = append(fired, ev)
		return nil
	})
	m := monitor.NewMetrics()

	ex := NewExecutor(backend, WithRecorder(rec), WithHooks(d), WithMetrics(m), WithScanner(monitor.NewCodeScanner()))
	res, err := ex.Run(context.Background(), ExecutionRequest{Code: "print('hi')", OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if len(rec.runs) != 1 || rec.runs[0].OwnerID != "alice" {
		t.Errorf("recorded = %+v", rec.runs)
	}
	if len(fired) != 1 || !fired[0].Succeeded || fired[0].ExecID != "e1" {
		t.Errorf("hooks fired = %+v", fired)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("executions ok = %v", got)
	}
}

func TestExecutor_RecorderFailureKeepsResult(t *testing.T) {
	backend := &fakeBackend{result: &ExecutionResult{ID: "e2", ExitCode: 1, Stderr: "Traceback"}}
	rec := &fakeRecorder{err: errors.New("disk full")}
	ex := NewExecutor(backend, WithRecorder(rec))

	res, err := ex.Run(context.Background(), ExecutionRequest{Code: "raise SystemExit(1)", OwnerID: "bob"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
}

func TestExecutor_AnonymousNotRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	ex := NewExecutor(&fakeBackend{result: &ExecutionResult{ID: "e3"}}, WithRecorder(rec))
	if _, err := ex.Run(context.Background(), ExecutionRequest{Code: "pass"}); err != nil {
		t.Fatal(err)
	}
	if len(rec.runs) != 0 {
		t.Errorf("anonymous run was recorded: %+v", rec.runs)
	}
}

func TestExecutor_BackendError(t *testing.T) {
	m := monitor.NewMetrics()
	rec := &fakeRecorder{}
	backend := &fakeBackend{err: fault("e4", "start", errors.New("exec: python3 not found"))}
	ex := NewExecutor(backend, WithRecorder(rec), WithMetrics(m))

	_, err := ex.Run(context.Background(), ExecutionRequest{Code: "pass", OwnerID: "carol"})
	if !IsFault(err) {
		t.Fatalf("err = %v, want sandbox fault", err)
	}
	if len(rec.runs) != 0 {
		t.Error("failed run must not be recorded")
	}
	if got := testutil.ToFloat64(m.ExecutionErrors.WithLabelValues("sandbox_fault")); got != 1 {
		t.Errorf("sandbox_fault errors = %v", got)
	}
}

func TestExecutor_Streaming(t *testing.T) {
	backend := &fakeBackend{result: &ExecutionResult{ID: "e5", Stdout: "streamed"}}
	ex := NewExecutor(backend)
	var sink testWriter
	if _, err := ex.RunStreaming(context.Background(), ExecutionRequest{Code: "pass"}, &sink, io.Discard); err != nil {
		t.Fatal(err)
	}
	if !backend.stream || sink.String() != "streamed" {
		t.Errorf("stream=%v sink=%q", backend.stream, sink.String())
	}
}

func TestStatusAndErrorType(t *testing.T) {
	if Status(&ExecutionResult{TimedOut: true, ExitCode: -1}) != "timeout" {
		t.Error("timed out result should be timeout")
	}
	if Status(&ExecutionResult{ExitCode: 2}) != "error" {
		t.Error("non-zero exit should be error")
	}
	if Status(&ExecutionResult{}) != "ok" {
		t.Error("clean exit should be ok")
	}

	tests := map[error]string{
		ErrUnsupportedLanguage:               "invalid_argument",
		fault("x", "op", errors.New("boom")): "sandbox_fault",
		context.Canceled:                     "canceled",
		errors.New("other"):                  "internal",
	}
	for err, want := range tests {
		if got := ErrorType(err); got != want {
			t.Errorf("ErrorType(%v) = %q, want %q", err, got, want)
		}
	}
}

type testWriter struct {
	mu  sync.Mutex
	buf []byte
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *testWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
