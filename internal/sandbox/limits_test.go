package sandbox

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if err := l.Validate(); err != nil {
		t.Fatalf("DefaultLimits().Validate() = %v", err)
	}
	if l.CPUShares != 512 || l.MemoryMB != 256 || l.PidsLimit != 50 || l.DiskMB != 100 {
		t.Errorf("DefaultLimits() = %+v", l)
	}
}

func TestResourceLimits_Validate(t *testing.T) {
	tests := []struct {
		name   string
		limits ResourceLimits
	}{
		{"cpu over", ResourceLimits{CPUShares: 4097, MemoryMB: 256, PidsLimit: 50, DiskMB: 100}},
		{"memory under", ResourceLimits{CPUShares: 512, MemoryMB: 8, PidsLimit: 50, DiskMB: 100}},
		{"pids over", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 501, DiskMB: 100}},
		{"disk zero", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 50, DiskMB: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if !IsInvalid(err) {
				t.Errorf("Validate() = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{}}
	ApplyResourceLimits(spec, DefaultLimits())

	res := spec.Linux.Resources
	if res.Memory == nil || *res.Memory.Limit != 256*1024*1024 {
		t.Errorf("memory limit = %+v", res.Memory)
	}
	if res.CPU == nil || *res.CPU.Shares != 512 || *res.CPU.Quota != 50000 {
		t.Errorf("cpu = %+v", res.CPU)
	}
	if res.Pids == nil || res.Pids.Limit != 50 {
		t.Errorf("pids = %+v", res.Pids)
	}
	var tmp bool
	for _, m := range spec.Mounts {
		if m.Destination == "/tmp" && m.Type == "tmpfs" {
			tmp = true
		}
	}
	if !tmp {
		t.Error("expected tmpfs mount on /tmp")
	}

	// applying twice must not duplicate the mount
	ApplyResourceLimits(spec, DefaultLimits())
	if len(spec.Mounts) != 1 {
		t.Errorf("mounts = %d, want 1", len(spec.Mounts))
	}
}

func TestApplySecurityProfile(t *testing.T) {
	spec := &specs.Spec{Root: &specs.Root{Path: "rootfs"}}
	ApplySecurityProfile(spec, DefaultSecurityProfile())

	if !spec.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges not set")
	}
	if spec.Process.User.UID != 65534 {
		t.Errorf("UID = %d, want 65534", spec.Process.User.UID)
	}
	if !spec.Root.Readonly {
		t.Error("rootfs should be read-only")
	}
	if len(spec.Process.Capabilities.Bounding) != 0 {
		t.Errorf("capabilities = %v, want none", spec.Process.Capabilities.Bounding)
	}
	if spec.Linux.Seccomp == nil {
		t.Error("seccomp profile missing")
	}
}

func TestDockerFlags(t *testing.T) {
	flags := DefaultLimits().dockerFlags()
	want := map[string]string{"--memory": "256m", "--pids-limit": "50", "--cpu-shares": "512"}
	for i := 0; i+1 < len(flags); i += 2 {
		if v, ok := want[flags[i]]; ok && flags[i+1] != v {
			t.Errorf("%s = %s, want %s", flags[i], flags[i+1], v)
		}
	}
}
