package sandbox

import (
	"sort"

	"github.com/Mearman/claudia/internal/policy"
	"github.com/Mearman/claudia/internal/types"
)

// LandlockProgram is the Linux enforcement program: a Landlock filesystem
// allow list, an optional Landlock TCP connect allow list, and a seccomp
// deny list over the handled syscall set.
type LandlockProgram struct {
	// Paths are subtree roots granted full access, in declaration order.
	Paths []string `cbor:"1,keyasint,omitempty"`
	// HandleNetwork restricts TCP connect to ConnectPorts (Landlock ABI 4+).
	HandleNetwork bool     `cbor:"2,keyasint,omitempty"`
	ConnectPorts  []uint16 `cbor:"3,keyasint,omitempty"`
	// DenySyscalls fail with EPERM. Sorted.
	DenySyscalls []string `cbor:"4,keyasint,omitempty"`
}

// MinABI returns the lowest Landlock ABI able to run the program.
func (lp *LandlockProgram) MinABI() int {
	if lp.HandleNetwork {
		return 4
	}
	return 1
}

func compileLandlock(p *policy.Policy) (*LandlockProgram, error) {
	lp := &LandlockProgram{}
	if err := compileLandlockPaths(p, lp); err != nil {
		return nil, err
	}
	denyAllNetwork, err := compileLandlockNetwork(p, lp)
	if err != nil {
		return nil, err
	}
	if err := compileSeccompDenyList(p, lp, denyAllNetwork); err != nil {
		return nil, err
	}
	compileLog.Debug("landlock program: %d paths, %d ports (handled=%v), %d denied syscalls",
		len(lp.Paths), len(lp.ConnectPorts), lp.HandleNetwork, len(lp.DenySyscalls))
	return lp, nil
}

// compileLandlockPaths turns first-match filesystem rules into an allow list.
// Landlock denies by default, so deny rules need no entry of their own. They
// only matter when a later allow overlaps them:
//   - allow inside an earlier deny: the allow can never match and is skipped
//   - earlier deny inside a later allow: Landlock cannot carve the exception
func compileLandlockPaths(p *policy.Policy, lp *LandlockProgram) error {
	rules := p.RulesFor(types.ClassFilesystem)
	seen := make(map[string]bool)
	for j, r := range rules {
		if r.Effect != types.EffectAllow {
			continue
		}
		am := r.Matcher().(*policy.PathMatcher)
		if !am.IsSubtree() {
			return unsupported(types.PlatformLinux, r, j,
				"Landlock grants whole directory trees; %q is a glob", am.String())
		}

		dead := false
		for i := 0; i < j && !dead; i++ {
			d := rules[i]
			if d.Effect != types.EffectDeny {
				continue
			}
			dm := d.Matcher().(*policy.PathMatcher)
			if dm.IsSubtree() {
				switch {
				case isSubpathOf(am.Root, dm.Root):
					dead = true
				case isSubpathOf(dm.Root, am.Root):
					return unsupported(types.PlatformLinux, d, i,
						"Landlock cannot exclude %s from the later allow of %s", dm.Root, am.Root)
				}
				continue
			}
			prefix := dm.LiteralPrefix()
			if isSubpathOf(am.Root, prefix) || isSubpathOf(prefix, am.Root) {
				return unsupported(types.PlatformLinux, d, i,
					"glob deny %q overlaps the later allow of %s", dm.String(), am.Root)
			}
		}
		if dead {
			compileLog.Trace("filesystem[%d] %s is shadowed by an earlier deny", j, am.Root)
			continue
		}
		if !seen[am.Root] {
			seen[am.Root] = true
			lp.Paths = append(lp.Paths, am.Root)
		}
	}
	return nil
}

// compileLandlockNetwork fills the TCP connect port list. Landlock filters by
// port only, so host-specific allows cannot be expressed. It reports whether
// every outbound connection must be refused.
func compileLandlockNetwork(p *policy.Policy, lp *LandlockProgram) (bool, error) {
	rules := p.RulesFor(types.ClassNetwork)
	ports := make(map[uint16]bool)
	for j, r := range rules {
		if r.Effect != types.EffectAllow {
			continue
		}
		am := r.Matcher().(*policy.EndpointMatcher)
		if !am.AnyHost() {
			return false, unsupported(types.PlatformLinux, r, j,
				"Landlock restricts TCP connect by port, not by host (%s)", am.String())
		}

		shadowed := false
		for i := 0; i < j && !shadowed; i++ {
			d := rules[i]
			if d.Effect != types.EffectDeny {
				continue
			}
			dm := d.Matcher().(*policy.EndpointMatcher)
			overlaps := dm.Port == 0 || am.Port == 0 || dm.Port == am.Port
			switch {
			case !overlaps:
			case !dm.AnyHost():
				return false, unsupported(types.PlatformLinux, d, i,
					"Landlock cannot deny host %s inside the later allow of %s", dm.Host, am.String())
			case dm.Port == 0 || dm.Port == am.Port:
				shadowed = true
			default:
				return false, unsupported(types.PlatformLinux, d, i,
					"Landlock cannot exclude port %d from the later allow of every port", dm.Port)
			}
		}
		if shadowed {
			continue
		}
		if am.Port == 0 {
			// Every later rule is shadowed by this one.
			return false, nil
		}
		ports[uint16(am.Port)] = true
	}

	if len(ports) == 0 {
		return true, nil
	}
	lp.HandleNetwork = true
	for port := range ports {
		lp.ConnectPorts = append(lp.ConnectPorts, port)
	}
	sort.Slice(lp.ConnectPorts, func(a, b int) bool { return lp.ConnectPorts[a] < lp.ConnectPorts[b] })
	return false, nil
}

// compileSeccompDenyList decides every handled syscall. A syscall named by a
// syscall rule follows the syscall rules; otherwise it follows its capability
// group; otherwise the default Deny applies.
func compileSeccompDenyList(p *policy.Policy, lp *LandlockProgram, denyAllNetwork bool) error {
	named := make(map[string]bool)
	for j, r := range p.RulesFor(types.ClassSyscall) {
		sm := r.Matcher().(*policy.SyscallMatcher)
		if sm.Predicate != nil {
			return unsupported(types.PlatformLinux, r, j,
				"argument predicates are not supported by the seccomp program (%s)", sm.String())
		}
		named[sm.Name] = true
	}
	for j, r := range p.RulesFor(types.ClassCapability) {
		cm := r.Matcher().(*policy.CapabilityMatcher)
		if _, ok := linuxCapabilitySyscalls[cm.Name]; !ok {
			return unsupported(types.PlatformLinux, r, j, "unknown capability %q", cm.Name)
		}
	}

	candidates := HandledSyscalls()
	for name := range named {
		candidates = append(candidates, name)
	}

	deny := make(map[string]bool)
	for _, name := range candidates {
		var effect types.Effect
		if named[name] {
			effect = p.Matches(types.ClassSyscall, name)
		} else if capName, ok := syscallCapability(name); ok {
			effect = p.Matches(types.ClassCapability, capName)
		} else {
			effect = types.EffectDeny
		}
		if effect == types.EffectDeny {
			deny[name] = true
		}
	}
	if denyAllNetwork {
		deny["connect"] = true
	}

	for name := range deny {
		lp.DenySyscalls = append(lp.DenySyscalls, name)
	}
	sort.Strings(lp.DenySyscalls)
	return nil
}
