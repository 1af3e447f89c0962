package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	goruntime "runtime"

	"github.com/rs/zerolog/log"

	"coderoom/internal/config"
)

type Backend interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error)
	Name() string
	ActiveCount() int64
	Close() error
}

// HealthChecker is implemented by backends that depend on an external daemon.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// NewBackend builds the configured backend. "auto" prefers containerd on
// Linux, then Docker, then a local interpreter process.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	opts := OptionsFromConfig(cfg)

	switch cfg.Sandbox.Backend {
	case "", "process":
		return NewProcessRunner(opts)
	case "containerd":
		return newContainerdBackend(ctx, cfg, opts)
	case "docker":
		return newDockerBackend(ctx, opts)
	case "auto":
		if goruntime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg, opts)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(ctx, opts)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}
		log.Warn().Err(err).Msg("docker unavailable, falling back to local interpreter")

		return NewProcessRunner(opts)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be process, containerd, docker or auto", cfg.Sandbox.Backend)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config, opts Options) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	runner := NewRunner(client, opts)

	// First runs would otherwise pay for the pull inside their timeout.
	for _, ref := range opts.Runtimes.Images() {
		if _, err := client.PullImage(ctx, ref); err != nil {
			log.Warn().Err(err).Str("image", ref).Msg("failed to pre-pull image")
		}
	}

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return runner, nil
}

func newDockerBackend(ctx context.Context, opts Options) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return NewDockerRunner(opts), nil
}
