package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// interpreterSyscalls is what CPython needs to start, import the stdlib,
// read stdin and write to its pipes.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl", "ioctl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
			"statfs", "fstatfs",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
		).
		AllowSyscalls(
			"execve",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "vfork",
			"set_tid_address", "set_robust_list", "rseq",
		).
		AllowSyscalls(
			"futex", "gettid", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
			"sched_getaffinity", "sched_yield",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid", "getpgrp",
			"getuid", "geteuid", "getgid", "getegid",
			"getpriority", "setpriority",
			"uname", "getcwd", "sysinfo",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl", "prctl",
			"getrlimit", "prlimit64",
			"umask",
			"chdir", "fchdir",
			"unlink", "unlinkat",
			"mkdir", "mkdirat", "rmdir",
			"rename", "renameat", "renameat2",
			"ftruncate", "fsync", "fdatasync", "flock",
			"memfd_create",
		)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
			"sched_setscheduler", "sched_setattr",
		)
}

// PythonProfile returns the deny-by-default profile for a single CPython
// run. Sockets are not allowlisted, so user programs have no network.
// Niceness can only be raised without CAP_SYS_NICE, so setpriority is
// allowed for the nice(1) wrapper while scheduler policy changes are not.
func PythonProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = dangerousSyscalls(b)
	b = interpreterSyscalls(b)
	return b.Build()
}
