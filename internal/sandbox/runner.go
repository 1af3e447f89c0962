package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"coderoom/internal/runtime"
)

// Runner is the containerd-based sandbox backend.
type Runner struct {
	client *Client
	opts   Options
	sem    chan struct{} // Concurrency limiter
	active atomic.Int64  // Active execution count
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewRunner creates a new containerd sandbox runner.
func NewRunner(client *Client, opts Options) *Runner {
	opts = opts.withDefaults()
	return &Runner{
		client: client,
		opts:   opts,
		sem:    make(chan struct{}, opts.MaxConcurrent),
	}
}

// Execute runs code in an isolated sandbox container.
func (r *Runner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, nil, nil)
}

// ExecuteStreaming runs code in a sandbox, streaming stdout/stderr to the provided writers.
func (r *Runner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, stdout, stderr)
}

func (r *Runner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := uuid.NewString()
	codeHash := hashCode(req.Code)

	logger := log.With().
		Str("exec_id", execID).
		Str("owner_id", req.OwnerID).
		Str("code_hash", codeHash[:16]).
		Logger()

	if r.closed.Load() {
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrClosed}
	}

	rt, err := validateRequest(r.opts.Runtimes, &req)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	r.wg.Add(1)
	defer r.wg.Done()
	r.active.Add(1)
	defer r.active.Add(-1)

	timeout := r.opts.clampTimeout(req.Timeout)

	hostCodeDir, err := os.MkdirTemp(r.opts.WorkRoot, "run-*")
	if err != nil {
		return nil, fault(execID, "create_temp_dir", err)
	}
	defer os.RemoveAll(hostCodeDir)

	codeFileName := "main" + rt.FileExtension()
	hostCodePath := filepath.Join(hostCodeDir, codeFileName)
	if err := os.WriteFile(hostCodePath, []byte(req.Code), 0o600); err != nil {
		return nil, fault(execID, "write_code", err)
	}
	if err := os.Chmod(hostCodePath, 0o444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return nil, fault(execID, "chmod_code", err)
	}

	// Image pulls do not count against the program's time budget.
	image, err := r.client.PullImage(ctx, rt.Image())
	if err != nil {
		return nil, fault(execID, "pull_image", err)
	}

	containerID := containerPrefix + execID
	container, err := r.createContainer(ctx, containerID, image, rt, "/workspace/"+codeFileName, hostCodeDir, req)
	if err != nil {
		return nil, fault(execID, "create_container", err)
	}
	defer func() {
		if cleanErr := r.removeContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	out := newCapture(r.opts.CaptureLimit)
	outW, errW := out.writers(stdout, stderr, r.opts.OutputLimit)

	nsCtx := r.client.WithNamespace(ctx)
	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(stdinPayload(req.StdinLines), outW, errW)),
	)
	if err != nil {
		return nil, fault(execID, "create_task", err)
	}
	defer func() {
		if _, err := task.Delete(context.Background(), containerd.WithProcessKill); err != nil {
			logger.Debug().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, fault(execID, "task_wait", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		return nil, fault(execID, "task_start", err)
	}

	res := &ExecutionResult{ID: execID, CodeHash: codeHash}

	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return nil, fault(execID, "task_exit", err)
		}
		res.ExitCode = int(code)

	case <-execCtx.Done():
		if ctx.Err() != nil {
			_ = task.Kill(context.Background(), syscall.SIGKILL, containerd.WithKillAll)
			<-exitCh
			return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: ctx.Err()}
		}
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, killing task")
		if err := task.Kill(context.Background(), syscall.SIGKILL, containerd.WithKillAll); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh
		res.TimedOut = true
		res.ExitCode = -1
	}

	elapsed := time.Since(start)
	res.WallTimeMS = wallTimeMS(elapsed)
	out.fill(res, r.opts.OutputLimit)

	logger.Info().
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", elapsed).
		Msg("execution completed")

	return res, nil
}

func (r *Runner) Name() string { return "containerd" }

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close rejects new runs, waits for active ones and closes the client.
func (r *Runner) Close() error {
	r.closed.Store(true)
	_ = drain(&r.wg, &r.active, 30*time.Second, "containerd")
	return r.client.Close()
}

func (r *Runner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	rt runtime.Runtime,
	codePath string,
	hostCodeDir string,
	req ExecutionRequest,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)
	limits := req.Limits.orDefault(r.opts.DefaultLimits)

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithContainerLabels(map[string]string{
			sandboxLabel: "true",
			ownerLabel:   req.OwnerID,
		}),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(niceCommand(r.opts.Niceness, rt.Command(codePath))...),
			oci.WithProcessCwd("/tmp"),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, DefaultSecurityProfile())
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostCodeDir,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = append([]string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
				}, rt.Env()...)

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

// Healthy reports whether containerd is reachable.
func (r *Runner) Healthy(ctx context.Context) bool {
	return r.client.Healthy(ctx)
}
