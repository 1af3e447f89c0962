package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceLimits bound a containerised run. The process backend relies on
// niceness and the timeout instead.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb"`  // Hard memory limit
	PidsLimit int64 `json:"pids_limit"` // Max processes (fork bomb protection)
	DiskMB    int64 `json:"disk_mb"`    // Tmpfs size for /tmp
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 512,
		MemoryMB:  256,
		PidsLimit: 50,
		DiskMB:    100,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidArgument, rl.CPUShares)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 2048 {
		return fmt.Errorf("%w: memory_mb must be 16-2048, got %d", ErrInvalidArgument, rl.MemoryMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 500 {
		return fmt.Errorf("%w: pids_limit must be 5-500, got %d", ErrInvalidArgument, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 1024 {
		return fmt.Errorf("%w: disk_mb must be 1-1024, got %d", ErrInvalidArgument, rl.DiskMB)
	}
	return nil
}

// orDefault returns rl, or def when rl is unset.
func (rl ResourceLimits) orDefault(def ResourceLimits) ResourceLimits {
	if rl == (ResourceLimits{}) {
		return def
	}
	return rl
}

// dockerFlags renders the limits as `docker run` flags. CPU shares are a
// relative weight, so a run yields to host work under contention.
func (rl ResourceLimits) dockerFlags() []string {
	return []string{
		"--memory", fmt.Sprintf("%dm", rl.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", rl.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", rl.PidsLimit),
		"--cpu-shares", fmt.Sprintf("%d", rl.CPUShares),
		"--cpus", fmt.Sprintf("%.2f", float64(rl.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", rl.DiskMB),
	}
}

func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota gives a hard cap; shares keep the relative weight low.
	period := uint64(100000) // 100ms in microseconds
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	shares := safeUint64(limits.CPUShares)
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Shares: &shares,
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(tmpfsBytes), Soft: safeUint64(tmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
