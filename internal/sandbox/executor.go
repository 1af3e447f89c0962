package sandbox

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"coderoom/internal/hooks"
	"coderoom/internal/monitor"
)

// Recorder persists a finished run for its owner.
type Recorder interface {
	RecordExecution(ctx context.Context, req ExecutionRequest, res *ExecutionResult) error
}

// Executor is the entry point for running user code: it runs the program
// on a Backend, records the result, and fires post-run hooks.
type Executor struct {
	backend  Backend
	recorder Recorder
	hooks    *hooks.Dispatcher
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	scanner  *monitor.CodeScanner
}

type ExecutorOption func(*Executor)

func WithRecorder(r Recorder) ExecutorOption        { return func(e *Executor) { e.recorder = r } }
func WithHooks(d *hooks.Dispatcher) ExecutorOption  { return func(e *Executor) { e.hooks = d } }
func WithMetrics(m *monitor.Metrics) ExecutorOption { return func(e *Executor) { e.metrics = m } }
func WithScanner(s *monitor.CodeScanner) ExecutorOption {
	return func(e *Executor) { e.scanner = s }
}

func NewExecutor(backend Backend, opts ...ExecutorOption) *Executor {
	e := &Executor{backend: backend, tracer: monitor.NewTracer()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backend returns the underlying sandbox backend.
func (e *Executor) Backend() Backend { return e.backend }

// Run executes req and waits for the result.
func (e *Executor) Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return e.run(ctx, req, nil, nil)
}

// RunStreaming executes req, copying output to stdout and stderr as it is produced.
func (e *Executor) RunStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return e.run(ctx, req, stdout, stderr)
}

func (e *Executor) run(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	ctx, span := e.tracer.StartSpan(ctx, "execute", monitor.AttrOwnerID.String(req.OwnerID))

	if e.scanner != nil {
		if findings := e.scanner.Scan(req.Code); len(findings) > 0 {
			if e.metrics != nil {
				e.metrics.RecordFindings(findings)
			}
			log.Info().Str("owner_id", req.OwnerID).Int("findings", len(findings)).
				Str("first", findings[0].Pattern).Msg("code scan findings")
		}
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	var (
		res *ExecutionResult
		err error
	)
	if stdout != nil || stderr != nil {
		res, err = e.backend.ExecuteStreaming(ctx, req, stdout, stderr)
	} else {
		res, err = e.backend.Execute(ctx, req)
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordError(ErrorType(err))
		}
		monitor.EndSpan(span, err)
		return nil, err
	}

	span.SetAttributes(
		monitor.AttrExecID.String(res.ID),
		monitor.AttrCodeHash.String(res.CodeHash),
		monitor.AttrExitCode.Int(res.ExitCode),
		monitor.AttrTimedOut.Bool(res.TimedOut),
		monitor.AttrDurationMS.Float64(res.WallTimeMS),
	)
	monitor.EndSpan(span, nil)

	if e.metrics != nil {
		e.metrics.RecordExecution(Status(res), res.WallTimeMS/1000, len(req.Code), len(res.Stdout)+len(res.Stderr))
	}

	// The run already happened; record it even if the caller went away.
	bg := context.WithoutCancel(ctx)
	if e.recorder != nil && req.OwnerID != "" {
		if err := e.recorder.RecordExecution(bg, req, res); err != nil {
			log.Error().Err(err).Str("exec_id", res.ID).Str("owner_id", req.OwnerID).Msg("failed to record execution")
		}
	}

	e.hooks.Fire(bg, hooks.Event{
		Kind:      hooks.ExecutionCompleted,
		UserID:    req.OwnerID,
		ExecID:    res.ID,
		Succeeded: res.Succeeded(),
		At:        time.Now(),
	})

	return res, nil
}

// Status buckets a result for metrics and logs.
func Status(res *ExecutionResult) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.ExitCode != 0:
		return "error"
	default:
		return "ok"
	}
}

// ErrorType names an error for metric labels.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrSandboxFault):
		return "sandbox_fault"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
