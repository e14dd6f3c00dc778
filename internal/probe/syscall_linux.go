//go:build linux

package probe

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// syscallProbe invokes one system call with arguments the kernel rejects or
// treats as a no-op. reached lists the errnos that prove the call got past
// any filter; EPERM and EACCES are never among them.
type syscallProbe struct {
	invoke  func() syscall.Errno
	reached []syscall.Errno
}

var emptyPath = []byte{0}

// nonexistentPID is above the kernel's pid_max limit.
const nonexistentPID = 1 << 30

var syscallProbes = map[string]syscallProbe{
	"getpid": {invoke: func() syscall.Errno {
		_, _, e := unix.RawSyscall(unix.SYS_GETPID, 0, 0, 0)
		return e
	}},
	"execve": {
		invoke: func() syscall.Errno {
			_, _, e := unix.Syscall(unix.SYS_EXECVE, uintptr(unsafe.Pointer(&emptyPath[0])), 0, 0)
			return e
		},
		reached: []syscall.Errno{unix.ENOENT},
	},
	"execveat": {
		invoke: func() syscall.Errno {
			badFD := -1
			_, _, e := unix.Syscall6(unix.SYS_EXECVEAT, uintptr(badFD), uintptr(unsafe.Pointer(&emptyPath[0])), 0, 0, 0, 0)
			return e
		},
		reached: []syscall.Errno{unix.ENOENT, unix.EBADF},
	},
	"ptrace": {
		invoke: func() syscall.Errno {
			_, _, e := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_ATTACH, nonexistentPID, 0, 0, 0, 0)
			return e
		},
		reached: []syscall.Errno{unix.ESRCH},
	},
	"process_vm_readv": {
		invoke: func() syscall.Errno {
			_, _, e := unix.Syscall6(unix.SYS_PROCESS_VM_READV, nonexistentPID, 0, 0, 0, 0, 0)
			return e
		},
		reached: []syscall.Errno{unix.ESRCH},
	},
	"unshare": {invoke: func() syscall.Errno {
		_, _, e := unix.Syscall(unix.SYS_UNSHARE, 0, 0, 0)
		return e
	}},
	"setns": {
		invoke: func() syscall.Errno {
			badFD := -1
			_, _, e := unix.Syscall(unix.SYS_SETNS, uintptr(badFD), 0, 0)
			return e
		},
		reached: []syscall.Errno{unix.EBADF},
	},
	"personality": {invoke: func() syscall.Errno {
		// 0xffffffff queries the current persona without changing it.
		_, _, e := unix.Syscall(unix.SYS_PERSONALITY, 0xffffffff, 0, 0)
		return e
	}},
	"kill": {invoke: func() syscall.Errno {
		_, _, e := unix.Syscall(unix.SYS_KILL, uintptr(os.Getpid()), 0, 0)
		return e
	}},
	"keyctl": {
		invoke: func() syscall.Errno {
			ring := unix.KEY_SPEC_SESSION_KEYRING
			_, _, e := unix.Syscall(unix.SYS_KEYCTL, unix.KEYCTL_GET_KEYRING_ID, uintptr(ring), 0)
			return e
		},
		reached: []syscall.Errno{unix.ENOKEY},
	},
	"chroot": {
		invoke: func() syscall.Errno {
			_, _, e := unix.Syscall(unix.SYS_CHROOT, uintptr(unsafe.Pointer(&emptyPath[0])), 0, 0)
			return e
		},
		reached: []syscall.Errno{unix.ENOENT},
	},
	"setuid": {invoke: func() syscall.Errno {
		// Setting the current uid again is a no-op; RawSyscall keeps it to
		// this thread.
		_, _, e := unix.RawSyscall(unix.SYS_SETUID, uintptr(unix.Getuid()), 0, 0)
		return e
	}},
	"setgid": {invoke: func() syscall.Errno {
		_, _, e := unix.RawSyscall(unix.SYS_SETGID, uintptr(unix.Getgid()), 0, 0)
		return e
	}},
	"adjtimex": {invoke: func() syscall.Errno {
		var tx unix.Timex // modes 0: read only
		_, _, e := unix.Syscall(unix.SYS_ADJTIMEX, uintptr(unsafe.Pointer(&tx)), 0, 0)
		return e
	}},
	"connect": {
		invoke: func() syscall.Errno {
			badFD := -1
			_, _, e := unix.Syscall(unix.SYS_CONNECT, uintptr(badFD), 0, 0)
			return e
		},
		reached: []syscall.Errno{unix.EBADF},
	},
	"io_uring_setup": {
		invoke: func() syscall.Errno {
			_, _, e := unix.Syscall(unix.SYS_IO_URING_SETUP, 0, 0, 0)
			return e
		},
		reached: []syscall.Errno{unix.EINVAL, unix.EFAULT},
	},
}

// capabilitySyscalls picks the probe that stands for each capability.
var capabilitySyscalls = map[string]string{
	"exec":       "execve",
	"ptrace":     "ptrace",
	"namespaces": "setns",
	"chroot":     "chroot",
	"kill":       "kill",
	"setid":      "setuid",
	"keyring":    "keyctl",
	"time":       "adjtimex",
}

func invokeSyscall(name string) (string, error) {
	p, ok := syscallProbes[name]
	if !ok {
		return "", fmt.Errorf("no side-effect-free probe for syscall %q: %w", name, errIndeterminate)
	}
	errno := p.invoke()
	if errno == 0 {
		return name + " returned", nil
	}
	for _, r := range p.reached {
		if errno == r {
			return fmt.Sprintf("%s reached the kernel (%s)", name, unix.ErrnoName(errno)), nil
		}
	}
	return "", &os.SyscallError{Syscall: name, Err: errno}
}

func probeCapability(_ context.Context, name string, _ time.Duration) (string, error) {
	sc, ok := capabilitySyscalls[name]
	if !ok {
		return "", fmt.Errorf("no side-effect-free probe for capability %q: %w", name, errIndeterminate)
	}
	detail, err := invokeSyscall(sc)
	if err != nil {
		return "", err
	}
	return "capability " + name + ": " + detail, nil
}
