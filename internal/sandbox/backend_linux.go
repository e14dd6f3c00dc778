//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	"github.com/landlock-lsm/go-landlock/landlock"
	ll "github.com/landlock-lsm/go-landlock/landlock/syscall"
	"golang.org/x/sys/unix"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/types"
)

var landlockLog = logger.New("landlock")

// Filesystem rights per Landlock ABI. Rights added after ABI 3 are left
// unhandled so ioctl on allowed devices keeps working.
const (
	landlockFSv1 = ll.AccessFSExecute | ll.AccessFSWriteFile | ll.AccessFSReadFile |
		ll.AccessFSReadDir | ll.AccessFSRemoveDir | ll.AccessFSRemoveFile |
		ll.AccessFSMakeChar | ll.AccessFSMakeDir | ll.AccessFSMakeReg |
		ll.AccessFSMakeSock | ll.AccessFSMakeFifo | ll.AccessFSMakeBlock | ll.AccessFSMakeSym
	landlockFSv2 = landlockFSv1 | ll.AccessFSRefer
	landlockFSv3 = landlockFSv2 | ll.AccessFSTruncate
)

// detectLandlockABI detects the Landlock ABI version supported by the kernel.
func detectLandlockABI() int {
	ret, _, errno := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		0, // attr = NULL
		0, // size = 0
		unix.LANDLOCK_CREATE_RULESET_VERSION,
	)
	if errno != 0 {
		return 0
	}
	return int(ret)
}

type landlockBackend struct{}

// linuxState is recorded in the handle at install time.
type linuxState struct {
	abi             int
	seccomp         bool
	instructions    int
	skippedSyscalls []string
	missingPaths    []string
	program         *LandlockProgram
}

func newPlatformBackend() Backend {
	return &landlockBackend{}
}

func (b *landlockBackend) Platform() types.Platform { return types.PlatformLinux }

func (b *landlockBackend) Install(ctx context.Context, t *Target, cp *CompiledPolicy) (*Handle, error) {
	return InstallWith(ctx, b, t, cp)
}

func (b *landlockBackend) Primitive() (string, string, error) {
	abi := detectLandlockABI()
	if abi < 1 {
		return "landlock", "", errdefs.New(errdefs.CodePlatformUnsupported,
			"Landlock not available. Requires Linux 5.13+ with CONFIG_SECURITY_LANDLOCK=y")
	}
	return "landlock", "abi-" + strconv.Itoa(abi), nil
}

func (b *landlockBackend) Available(prog *Program) (string, string, error) {
	name, version, err := b.Primitive()
	if err != nil {
		return "", "", err
	}
	abi := detectLandlockABI()
	lp := prog.Linux
	if abi < lp.MinABI() {
		return "", "", errdefs.New(errdefs.CodePlatformUnsupported,
			"TCP connect rules need Landlock ABI %d (kernel 6.7+), detected ABI %d", lp.MinABI(), abi)
	}
	if len(lp.DenySyscalls) > 0 && !seccomp.Supported() {
		return "", "", errdefs.New(errdefs.CodePlatformUnsupported, "seccomp filter mode is not available")
	}
	landlockLog.Debug("Landlock ABI %d detected (program needs %d)", abi, lp.MinABI())
	return name, version, nil
}

func (b *landlockBackend) Apply(t *Target, prog *Program) (any, bool, error) {
	if err := requireSelf(t); err != nil {
		return nil, false, err
	}
	lp := prog.Linux
	abi := detectLandlockABI()

	// restrict_self either takes effect completely or not at all.
	missing, err := restrictLandlock(abi, lp)
	if err != nil {
		return nil, false, fmt.Errorf("landlock: %w", err)
	}

	state := &linuxState{abi: abi, program: lp, missingPaths: missing}
	names, skipped := knownSyscalls(lp.DenySyscalls)
	state.skippedSyscalls = skipped
	if len(names) == 0 {
		return state, false, nil
	}
	filter := seccompFilter(names)
	if insts, err := filter.Policy.Assemble(); err == nil {
		state.instructions = len(insts)
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		// Landlock is already enforced.
		return nil, true, fmt.Errorf("seccomp: %w", err)
	}
	state.seccomp = true
	return state, false, nil
}

// restrictLandlock enforces lp and returns the allowed paths that did not
// exist. Those stay denied.
func restrictLandlock(abi int, lp *LandlockProgram) (missing []string, err error) {
	fsSet := landlock.AccessFSSet(landlockFSv1)
	switch {
	case abi >= 3:
		fsSet = landlock.AccessFSSet(landlockFSv3)
	case abi == 2:
		fsSet = landlock.AccessFSSet(landlockFSv2)
	}
	args := []any{fsSet}
	if lp.HandleNetwork {
		args = append(args, landlock.AccessNetSet(ll.AccessNetConnectTCP))
	}
	cfg, err := landlock.NewConfig(args...)
	if err != nil {
		return nil, err
	}

	var rules []landlock.Rule
	for _, p := range lp.Paths {
		info, err := os.Stat(p)
		if err != nil {
			landlockLog.Warn("not granting missing path %s: %v", p, err)
			missing = append(missing, p)
			continue
		}
		if info.IsDir() {
			r := landlock.RWDirs(p)
			if abi >= 2 {
				r = r.WithRefer()
			}
			rules = append(rules, r)
		} else {
			rules = append(rules, landlock.RWFiles(p))
		}
	}
	for _, port := range lp.ConnectPorts {
		rules = append(rules, landlock.ConnectTCP(port))
	}
	landlockLog.Debug("restricting: %d path rules, %d connect ports", len(lp.Paths), len(lp.ConnectPorts))
	return missing, cfg.Restrict(rules...)
}

func seccompFilter(names []string) seccomp.Filter {
	return seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{
				{Action: seccomp.ActionErrno, Names: names},
			},
		},
	}
}

// knownSyscalls splits names into those the running architecture defines
// and those it does not. Undefined syscalls cannot be invoked, so there is
// nothing to deny.
func knownSyscalls(names []string) (known, skipped []string) {
	info, err := arch.GetInfo("")
	if err != nil {
		return names, nil
	}
	for _, n := range names {
		if _, ok := info.SyscallNames[n]; ok {
			known = append(known, n)
		} else {
			skipped = append(skipped, n)
		}
	}
	return known, skipped
}

func (b *landlockBackend) IsActive(h *Handle) bool {
	if !handleInstalled(h, types.PlatformLinux) {
		return false
	}
	state, ok := h.native.(*linuxState)
	if !ok {
		return false
	}
	nnp, err := unix.PrctlRetInt(unix.PR_GET_NO_NEW_PRIVS, 0, 0, 0, 0)
	if err != nil || nnp != 1 {
		return false
	}
	if state.seccomp {
		mode, err := unix.PrctlRetInt(unix.PR_GET_SECCOMP, 0, 0, 0, 0)
		if err != nil || mode != 2 {
			return false
		}
	}
	return true
}

func (b *landlockBackend) Describe(h *Handle) Diagnostic {
	d := Diagnostic{Platform: types.PlatformLinux, Primitive: "landlock", Active: b.IsActive(h)}
	if h == nil {
		return d
	}
	d.PrimitiveVersion = h.PrimitiveVersion
	if state, ok := h.native.(*linuxState); ok {
		d.Details = map[string]string{
			"landlock_abi":       strconv.Itoa(state.abi),
			"paths":              strings.Join(state.program.Paths, ","),
			"connect_ports":      joinPorts(state.program.ConnectPorts),
			"network_handled":    strconv.FormatBool(state.program.HandleNetwork),
			"seccomp":            strconv.FormatBool(state.seccomp),
			"denied_syscalls":    strconv.Itoa(len(state.program.DenySyscalls) - len(state.skippedSyscalls)),
			"bpf_instructions":   strconv.Itoa(state.instructions),
			"handled_syscalls":   strconv.Itoa(len(HandledSyscalls())),
			"unhandled_syscalls": unhandledSyscalls,
		}
		if len(state.missingPaths) > 0 {
			d.Details["missing_paths"] = strings.Join(state.missingPaths, ",")
		}
		if len(state.skippedSyscalls) > 0 {
			d.Details["undefined_syscalls"] = strings.Join(state.skippedSyscalls, ",")
		}
	}
	return d
}

func joinPorts(ports []uint16) string {
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = strconv.Itoa(int(p))
	}
	return strings.Join(s, ",")
}
