package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// waitDelay bounds how long Wait keeps draining pipes after the
// interpreter exits or is killed, e.g. when a grandchild holds them open.
const waitDelay = 2 * time.Second

const sandboxPath = "/usr/local/bin:/usr/bin:/bin"

// ProcessRunner runs each program in a fresh local interpreter process,
// in its own process group, at reduced scheduling priority.
type ProcessRunner struct {
	opts   Options
	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewProcessRunner checks that the interpreter is reachable and returns
// a runner.
func NewProcessRunner(opts Options) (*ProcessRunner, error) {
	opts = opts.withDefaults()
	rt, err := opts.Runtimes.Get(DefaultLanguage)
	if err != nil {
		return nil, err
	}
	interp := rt.Command("")[0]
	if _, err := exec.LookPath(interp); err != nil {
		return nil, fault("", "lookup_interpreter", err)
	}
	if opts.WorkRoot != "" {
		if err := os.MkdirAll(opts.WorkRoot, 0o700); err != nil {
			return nil, fault("", "create_work_root", err)
		}
	}
	return &ProcessRunner{
		opts: opts,
		sem:  make(chan struct{}, opts.MaxConcurrent),
	}, nil
}

func (p *ProcessRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return p.executeInternal(ctx, req, nil, nil)
}

func (p *ProcessRunner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return p.executeInternal(ctx, req, stdout, stderr)
}

func (p *ProcessRunner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := uuid.NewString()
	codeHash := hashCode(req.Code)

	logger := log.With().
		Str("exec_id", execID).
		Str("owner_id", req.OwnerID).
		Str("code_hash", codeHash[:16]).
		Logger()

	if p.closed.Load() {
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrClosed}
	}

	rt, err := validateRequest(p.opts.Runtimes, &req)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	p.wg.Add(1)
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	timeout := p.opts.clampTimeout(req.Timeout)

	workDir, err := os.MkdirTemp(p.opts.WorkRoot, "run-*")
	if err != nil {
		return nil, fault(execID, "create_temp_dir", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Error().Err(err).Str("dir", workDir).Msg("failed to remove run directory")
		}
	}()

	codePath := filepath.Join(workDir, "main"+rt.FileExtension())
	if err := os.WriteFile(codePath, []byte(req.Code), 0o600); err != nil {
		return nil, fault(execID, "write_code", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := rt.Command(codePath)
	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...) // #nosec G204 -- argv comes from the runtime registry
	cmd.Dir = workDir
	cmd.Env = append([]string{
		"PATH=" + sandboxPath,
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
	}, rt.Env()...)
	cmd.Stdin = stdinPayload(req.StdinLines)

	out := newCapture(p.opts.CaptureLimit)
	cmd.Stdout, cmd.Stderr = out.writers(stdout, stderr, p.opts.OutputLimit)

	isolateProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	logger.Debug().Dur("timeout", timeout).Msg("starting interpreter")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fault(execID, "start", err)
	}
	if err := lowerPriority(cmd.Process.Pid, p.opts.Niceness); err != nil {
		logger.Warn().Err(err).Int("niceness", p.opts.Niceness).Msg("could not lower run priority")
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	res := &ExecutionResult{
		ID:         execID,
		WallTimeMS: wallTimeMS(elapsed),
		CodeHash:   codeHash,
	}
	out.fill(res, p.opts.OutputLimit)

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case ctx.Err() != nil:
		return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: ctx.Err()}
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, process group killed")
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// exited on its own but left pipes open; the exit status still stands
		res.ExitCode = cmd.ProcessState.ExitCode()
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fault(execID, "wait", waitErr)
	}

	logger.Info().
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", elapsed).
		Msg("execution completed")

	return res, nil
}

func (p *ProcessRunner) Name() string { return "process" }

func (p *ProcessRunner) ActiveCount() int64 {
	return p.active.Load()
}

// Close rejects new runs and waits up to 30s for active ones to drain.
func (p *ProcessRunner) Close() error {
	p.closed.Store(true)
	return drain(&p.wg, &p.active, 30*time.Second, "process")
}

func drain(wg *sync.WaitGroup, active *atomic.Int64, limit time.Duration, backend string) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Str("backend", backend).Msg("all executions drained")
	case <-time.After(limit):
		log.Warn().Str("backend", backend).Int64("active", active.Load()).Msg("timed out waiting for executions to drain")
	}
	return nil
}

