// Package seccomp builds deny-by-default syscall filters for sandboxed
// interpreters, in OCI form for containerd and in Docker's JSON form.
package seccomp

import (
	"encoding/json"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// eperm is returned to blocked syscalls so interpreters see a normal
// permission error instead of ENOSYS.
const eperm = 1

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	errno := uint(eperm)
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction:   specs.ActErrno,
			DefaultErrnoRet: &errno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) add(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	if len(names) == 0 {
		return b
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActAllow, names)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActErrno, names)
}

func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActTrap, names)
}

// SyscallArg constrains a single argument for a seccomp rule.
type SyscallArg struct {
	Index uint   // Argument index (0-5)
	Value uint64 // Value to compare
	Op    specs.LinuxSeccompOperator
}

func (b *ProfileBuilder) AllowSyscallWithArgs(name string, args ...SyscallArg) *ProfileBuilder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{Index: a.Index, Value: a.Value, Op: a.Op}
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   specArgs,
	})
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// Action reports the action the profile applies to a syscall, ignoring
// argument filters. Later rules do not override earlier ones.
func Action(p *specs.LinuxSeccomp, name string) specs.LinuxSeccompAction {
	for _, rule := range p.Syscalls {
		for _, n := range rule.Names {
			if n == name {
				return rule.Action
			}
		}
	}
	return p.DefaultAction
}

// DockerProfileJSON renders the interpreter profile for `docker run
// --security-opt seccomp=<file>`. The OCI field names match Docker's format.
func DockerProfileJSON() ([]byte, error) {
	return json.MarshalIndent(PythonProfile(), "", "  ")
}
