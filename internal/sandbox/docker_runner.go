package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"coderoom/internal/runtime"
	"coderoom/pkg/seccomp"
)

// containerLabel tags every sandbox container so orphans can be found.
const containerLabel = "coderoom.sandbox=1"

// DockerRunner is the Docker-based sandbox backend (macOS, or Linux without containerd).
type DockerRunner struct {
	opts          Options
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	closed        atomic.Bool
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(opts Options) *DockerRunner {
	opts = opts.withDefaults()
	d := &DockerRunner{
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		dockerHost: resolveDockerHost(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// orphanCleanupLoop periodically removes sandbox containers that survived a server crash.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans(ctx)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) docker(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

func (d *DockerRunner) cleanupOrphans(ctx context.Context) {
	// Containers older than the hard run cap cannot belong to a live run.
	out, err := d.docker(ctx, "ps", "--filter", "label="+containerLabel, "--format", "{{.ID}} {{.RunningFor}}").Output()
	if err != nil {
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || strings.Contains(line, "second") {
			continue
		}
		id := fields[0]
		log.Warn().Str("container_id", id).Msg("removing orphaned sandbox container")
		_ = d.docker(ctx, "rm", "-f", id).Run()
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return d.executeInternal(ctx, req, nil, nil)
}

func (d *DockerRunner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return d.executeInternal(ctx, req, stdout, stderr)
}

func (d *DockerRunner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := uuid.NewString()
	codeHash := hashCode(req.Code)

	logger := log.With().
		Str("exec_id", execID).
		Str("owner_id", req.OwnerID).
		Str("code_hash", codeHash[:16]).
		Logger()

	if d.closed.Load() {
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrClosed}
	}

	rt, err := validateRequest(d.opts.Runtimes, &req)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	timeout := d.opts.clampTimeout(req.Timeout)

	hostDir, err := os.MkdirTemp(d.opts.WorkRoot, "run-*")
	if err != nil {
		return nil, fault(execID, "create_temp_dir", err)
	}
	defer os.RemoveAll(hostDir)

	codeFile := filepath.Join(hostDir, "main"+rt.FileExtension())
	if err := os.WriteFile(codeFile, []byte(req.Code), 0o600); err != nil {
		return nil, fault(execID, "write_code", err)
	}
	if err := os.Chmod(codeFile, 0o444); err != nil { // #nosec G302 -- container runs as nobody
		return nil, fault(execID, "chmod_code", err)
	}

	profileJSON, err := seccomp.DockerProfileJSON()
	if err != nil {
		return nil, fault(execID, "seccomp_profile", err)
	}
	seccompPath := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompPath, profileJSON, 0o600); err != nil {
		return nil, fault(execID, "write_seccomp", err)
	}

	name := containerPrefix + execID
	args := d.buildDockerArgs(name, rt, codeFile, seccompPath, req)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := d.docker(execCtx, args...)
	cmd.Stdin = stdinPayload(req.StdinLines)
	out := newCapture(d.opts.CaptureLimit)
	cmd.Stdout, cmd.Stderr = out.writers(stdout, stderr, d.opts.OutputLimit)
	// Killing the docker client alone leaves the container running.
	cmd.Cancel = func() error {
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer killCancel()
		if err := d.docker(killCtx, "kill", name).Run(); err != nil {
			logger.Warn().Err(err).Msg("docker kill failed")
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	res := &ExecutionResult{
		ID:         execID,
		WallTimeMS: wallTimeMS(elapsed),
		CodeHash:   codeHash,
	}
	out.fill(res, d.opts.OutputLimit)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: ctx.Err()}
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		logger.Warn().Dur("timeout", timeout).Msg("docker execution timed out")
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		// 125-127 come from the docker client itself, not the program.
		if res.ExitCode >= 125 && res.ExitCode <= 127 && res.Stdout == "" {
			return nil, fault(execID, "docker_run", fmt.Errorf("docker exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
		}
	default:
		return nil, fault(execID, "docker_run", err)
	}

	logger.Info().
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", elapsed).
		Msg("docker execution completed")

	return res, nil
}

func (d *DockerRunner) buildDockerArgs(
	name string,
	rt runtime.Runtime,
	hostCodeFile, seccompPath string,
	req ExecutionRequest,
) []string {
	limits := req.Limits.orDefault(d.opts.DefaultLimits)
	containerCodePath := "/workspace/main" + rt.FileExtension()

	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--label", containerLabel,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--read-only",
		"--user", fmt.Sprintf("%d:%d", sandboxUID, sandboxGID),
		"--workdir", "/tmp",
		"-v", fmt.Sprintf("%s:%s:ro", hostCodeFile, containerCodePath),
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
	}
	args = append(args, limits.dockerFlags()...)
	for _, env := range rt.Env() {
		args = append(args, "-e", env)
	}

	args = append(args, rt.Image())
	args = append(args, niceCommand(d.opts.Niceness, rt.Command(containerCodePath))...)
	return args
}

// niceCommand prefixes argv with nice(1) so the container's process tree
// starts at reduced priority.
func niceCommand(niceness int, argv []string) []string {
	if niceness <= 0 {
		return argv
	}
	return append([]string{"nice", "-n", strconv.Itoa(niceness)}, argv...)
}

func (d *DockerRunner) Name() string { return "docker" }

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.closed.Store(true)
	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}
	return drain(&d.wg, &d.active, 30*time.Second, "docker")
}
