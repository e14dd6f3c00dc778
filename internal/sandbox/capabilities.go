package sandbox

import (
	"sort"

	"github.com/Mearman/claudia/internal/types"
)

// linuxCapabilitySyscalls maps each capability name understood on Linux to
// the system calls that implement it. A capability rule is enforced by
// allowing or denying the whole group.
var linuxCapabilitySyscalls = map[string][]string{
	"exec":       {"execve", "execveat"},
	"ptrace":     {"ptrace", "process_vm_readv", "process_vm_writev"},
	"mount":      {"mount", "umount2", "pivot_root", "fsopen", "fsmount", "move_mount", "open_tree"},
	"module":     {"init_module", "finit_module", "delete_module"},
	"reboot":     {"reboot", "kexec_load", "kexec_file_load"},
	"bpf":        {"bpf"},
	"namespaces": {"unshare", "setns"},
	"chroot":     {"chroot"},
	"kill":       {"kill"},
	"setid":      {"setuid", "setgid", "setreuid", "setregid", "setresuid", "setresgid", "setgroups", "setfsuid", "setfsgid"},
	"keyring":    {"keyctl", "add_key", "request_key"},
	"swap":       {"swapon", "swapoff"},
	"time":       {"settimeofday", "clock_settime", "adjtimex", "clock_adjtime"},
	"perf":       {"perf_event_open"},
}

// linuxExtraSyscalls are governed only by syscall rules and the default Deny.
var linuxExtraSyscalls = []string{"personality", "userfaultfd", "acct", "quotactl"}

// unhandledSyscalls is how the Linux program treats every system call that
// is neither in HandledSyscalls nor named by a syscall rule.
const unhandledSyscalls = "allowed by the platform floor"

// HandledSyscalls returns the sorted set of system calls the Linux program
// decides explicitly. Everything outside it is left to the platform floor,
// which keeps the Go runtime and the probe engine alive.
func HandledSyscalls() []string {
	var out []string
	for _, calls := range linuxCapabilitySyscalls {
		out = append(out, calls...)
	}
	out = append(out, linuxExtraSyscalls...)
	sort.Strings(out)
	return out
}

// syscallCapability returns the capability group a syscall belongs to.
func syscallCapability(name string) (string, bool) {
	for capName, calls := range linuxCapabilitySyscalls {
		for _, c := range calls {
			if c == name {
				return capName, true
			}
		}
	}
	return "", false
}

// seatbeltCapabilityOps maps capability names to SBPL operations and filters.
var seatbeltCapabilityOps = map[string]string{
	"exec":   "process-exec*",
	"fork":   "process-fork",
	"kill":   "signal (target others)",
	"ptrace": "mach-priv-task-port",
}

// Job object capability names. spawn and exec both govern child creation.
const (
	capSpawn = "spawn"
	capExec  = "exec"

	// clipboard covers both readclipboard and writeclipboard.
	capClipboard = "clipboard"
)

// jobObjectUICapabilities maps UI capability names to JOB_OBJECT_UILIMIT_* bits.
var jobObjectUICapabilities = map[string]uint32{
	"handles":          0x00000001,
	"readclipboard":    0x00000002,
	"writeclipboard":   0x00000004,
	"systemparameters": 0x00000008,
	"displaysettings":  0x00000010,
	"globalatoms":      0x00000020,
	"desktop":          0x00000040,
	"exitwindows":      0x00000080,
}

// Capabilities returns the capability names the platform can enforce, sorted.
func Capabilities(platform types.Platform) []string {
	var out []string
	switch platform {
	case types.PlatformLinux:
		for name := range linuxCapabilitySyscalls {
			out = append(out, name)
		}
	case types.PlatformDarwin:
		for name := range seatbeltCapabilityOps {
			out = append(out, name)
		}
	case types.PlatformWindows:
		out = append(out, capSpawn, capExec, capClipboard)
		for name := range jobObjectUICapabilities {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
