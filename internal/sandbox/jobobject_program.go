package sandbox

import (
	"sort"
	"strings"

	"github.com/Mearman/claudia/internal/policy"
	"github.com/Mearman/claudia/internal/types"
)

// JobObjectProgram is the Windows enforcement program: job object limits
// applied to the current process, mandatory labels on the filesystem trees
// the policy names, and a lowered token integrity level.
type JobObjectProgram struct {
	// ActiveProcessLimit caps processes in the job; 1 forbids child processes.
	// Zero leaves the count unlimited.
	ActiveProcessLimit uint32 `cbor:"1,keyasint,omitempty"`
	// UIRestrictions is a JOB_OBJECT_UILIMIT_* mask.
	UIRestrictions uint32 `cbor:"2,keyasint,omitempty"`
	// LowIntegrity lowers the token to the Low mandatory level (no write-up).
	LowIntegrity bool `cbor:"3,keyasint,omitempty"`
	// WritablePaths get a Low label so the Low token may write them.
	WritablePaths []string `cbor:"4,keyasint,omitempty"`
	// HiddenPaths get a Medium no-read-up, no-write-up label.
	HiddenPaths []string `cbor:"5,keyasint,omitempty"`
}

// PathLabel is one mandatory label to set on a directory tree.
type PathLabel struct {
	Path   string
	Hidden bool
}

// Labels returns the labels to set, shallowest first. A label set later on a
// nested tree replaces the one it inherited.
func (jp *JobObjectProgram) Labels() []PathLabel {
	labels := make([]PathLabel, 0, len(jp.WritablePaths)+len(jp.HiddenPaths))
	for _, p := range jp.WritablePaths {
		labels = append(labels, PathLabel{Path: p})
	}
	for _, p := range jp.HiddenPaths {
		labels = append(labels, PathLabel{Path: p, Hidden: true})
	}
	sort.SliceStable(labels, func(i, j int) bool {
		return pathDepth(labels[i].Path) < pathDepth(labels[j].Path)
	})
	return labels
}

func pathDepth(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

func compileJobObject(p *policy.Policy) (*JobObjectProgram, error) {
	for _, class := range []types.ResourceClass{types.ClassNetwork, types.ClassSyscall} {
		if rs := p.RulesFor(class); len(rs) > 0 {
			return nil, unsupported(types.PlatformWindows, rs[0], 0,
				"job objects cannot restrict %s access", class)
		}
	}

	capRules := p.RulesFor(types.ClassCapability)
	for j, r := range capRules {
		name := r.Matcher().(*policy.CapabilityMatcher).Name
		if _, ok := jobObjectUICapabilities[name]; ok {
			continue
		}
		if name != capSpawn && name != capExec && name != capClipboard {
			return nil, unsupported(types.PlatformWindows, r, j, "unknown capability %q", name)
		}
	}

	jp := &JobObjectProgram{LowIntegrity: true}
	if err := compileJobObjectPaths(p, jp); err != nil {
		return nil, err
	}

	// spawn and exec both name child creation; the first rule naming either decides.
	childAllowed := false
	for _, r := range capRules {
		name := r.Matcher().(*policy.CapabilityMatcher).Name
		if name == capSpawn || name == capExec {
			childAllowed = r.Effect == types.EffectAllow
			break
		}
	}
	if !childAllowed {
		jp.ActiveProcessLimit = 1
	}

	clipboardAllowed := p.Matches(types.ClassCapability, capClipboard) == types.EffectAllow
	for name, bit := range jobObjectUICapabilities {
		allowed := p.Matches(types.ClassCapability, name) == types.EffectAllow
		if (name == "readclipboard" || name == "writeclipboard") && clipboardAllowed {
			allowed = true
		}
		if !allowed {
			jp.UIRestrictions |= bit
		}
	}
	return jp, nil
}

// compileJobObjectPaths turns filesystem rules into mandatory labels. The
// nearest explicit label wins, which agrees with first-match when an earlier
// rule is nested in a later one. A rule nested in an earlier rule can never
// match and gets no label. Unlabelled trees stay readable by the Low token.
func compileJobObjectPaths(p *policy.Policy, jp *JobObjectProgram) error {
	rules := p.RulesFor(types.ClassFilesystem)
	var roots []string
	for j, r := range rules {
		m := r.Matcher().(*policy.PathMatcher)
		if !m.IsSubtree() {
			return unsupported(types.PlatformWindows, r, j,
				"mandatory labels apply to whole directory trees; %q is a glob", m.String())
		}
		dead := false
		for _, root := range roots {
			if isSubpathOf(m.Root, root) {
				dead = true
				break
			}
		}
		if dead {
			compileLog.Debug("%s is inside an earlier rule and can never match", r)
			continue
		}
		roots = append(roots, m.Root)
		if r.Effect == types.EffectAllow {
			jp.WritablePaths = append(jp.WritablePaths, m.Root)
		} else {
			jp.HiddenPaths = append(jp.HiddenPaths, m.Root)
		}
	}
	return nil
}
