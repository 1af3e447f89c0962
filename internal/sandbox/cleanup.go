package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	containerPrefix = "coderoom-run-"
	sandboxLabel    = "coderoom.sandbox"
	ownerLabel      = "coderoom.owner"
)

// orphanFilter selects containers this service created.
var orphanFilter = fmt.Sprintf("labels.%q==true", sandboxLabel)

// removeContainer stops the run's task if it is still alive, then deletes
// the task, the container and its snapshot. NotFound at any step is fine.
func (r *Runner) removeContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	ctx, cancel := context.WithTimeout(r.client.WithNamespace(ctx), 30*time.Second)
	defer cancel()

	if task, err := container.Task(ctx, nil); err == nil {
		stopTask(ctx, task, logger)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}
	logger.Debug().Msg("container removed")
	return nil
}

// stopTask kills every process in a task that has not exited and waits up
// to five seconds for it.
func stopTask(ctx context.Context, task containerd.Task, logger zerolog.Logger) {
	status, err := task.Status(ctx)
	if err != nil || status.Status == containerd.Stopped {
		return
	}
	exitCh, err := task.Wait(ctx)
	if err != nil {
		return
	}
	_ = task.Kill(ctx, syscall.SIGKILL, containerd.WithKillAll)

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("timed out waiting for task to stop")
	case <-ctx.Done():
	}
}

// CleanupOrphaned removes run containers left behind by a previous process,
// e.g. after a crash mid-run. It is called once before the runner serves.
func (r *Runner) CleanupOrphaned(ctx context.Context) (int, error) {
	containers, err := r.client.Raw().Containers(r.client.WithNamespace(ctx), orphanFilter)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var removed int
	for _, c := range containers {
		if err := r.removeContainer(ctx, c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to remove orphaned container")
			continue
		}
		removed++
	}
	return removed, nil
}
