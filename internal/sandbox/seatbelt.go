package sandbox

import (
	"strconv"
	"strings"

	"github.com/Mearman/claudia/internal/policy"
	"github.com/Mearman/claudia/internal/types"
)

// SeatbeltProgram is the macOS enforcement program: an SBPL profile passed
// to sandbox_init.
type SeatbeltProgram struct {
	Profile string `cbor:"1,keyasint"`
}

// seatbeltBaseline keeps an already running Go process alive under
// (deny default). It grants nothing any policy class governs.
var seatbeltBaseline = []string{
	"(version 1)",
	"(deny default)",
	"(allow signal (target self))",
	"(allow process-info* (target self))",
	"(allow sysctl-read)",
	"(allow file-read-metadata)",
	`(allow file-read* file-write* (literal "/dev/null") (literal "/dev/zero") (literal "/dev/dtracehelper"))`,
	`(allow file-read* (literal "/dev/urandom") (literal "/dev/random"))`,
}

const seatbeltFileOps = "file-read* file-write*"

// compileSeatbelt emits the profile. SBPL is last-match-wins, so each class
// is emitted in reverse declaration order and the first declared rule ends
// up last, where it takes precedence.
func compileSeatbelt(p *policy.Policy) (*SeatbeltProgram, error) {
	if sys := p.RulesFor(types.ClassSyscall); len(sys) > 0 {
		return nil, unsupported(types.PlatformDarwin, sys[0], 0, "Seatbelt has no per-syscall filter")
	}

	lines := append([]string(nil), seatbeltBaseline...)

	fsRules := p.RulesFor(types.ClassFilesystem)
	for j := len(fsRules) - 1; j >= 0; j-- {
		r := fsRules[j]
		pm := r.Matcher().(*policy.PathMatcher)
		var filters []string
		if pm.IsSubtree() {
			for _, alias := range darwinAliases(pm.Root) {
				filters = append(filters, `(subpath "`+escapeSBPLString(alias)+`")`)
			}
		} else {
			for _, alias := range darwinAliases(pm.Pattern) {
				filters = append(filters, `(regex #"`+globToSandboxRegex(alias)+`")`)
			}
		}
		lines = append(lines, sbplRule(r.Effect, seatbeltFileOps, filters...))
	}

	netRules := p.RulesFor(types.ClassNetwork)
	for j := len(netRules) - 1; j >= 0; j-- {
		r := netRules[j]
		em := r.Matcher().(*policy.EndpointMatcher)
		var host string
		switch {
		case em.AnyHost():
			host = "*"
		case em.IsLoopback():
			host = "localhost"
		default:
			return nil, unsupported(types.PlatformDarwin, r, j,
				"Seatbelt filters outbound hosts only as * or localhost (%s)", em.Host)
		}
		port := "*"
		if em.Port != 0 {
			port = strconv.Itoa(em.Port)
		}
		lines = append(lines, sbplRule(r.Effect, "network-outbound", `(remote tcp "`+host+":"+port+`")`))
	}

	capRules := p.RulesFor(types.ClassCapability)
	for j := len(capRules) - 1; j >= 0; j-- {
		r := capRules[j]
		cm := r.Matcher().(*policy.CapabilityMatcher)
		ops, ok := seatbeltCapabilityOps[cm.Name]
		if !ok {
			return nil, unsupported(types.PlatformDarwin, r, j, "unknown capability %q", cm.Name)
		}
		lines = append(lines, sbplRule(r.Effect, ops))
	}

	return &SeatbeltProgram{Profile: strings.Join(lines, "\n") + "\n"}, nil
}

func sbplRule(effect types.Effect, ops string, filters ...string) string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(string(effect))
	b.WriteString(" ")
	b.WriteString(ops)
	for _, f := range filters {
		b.WriteString(" ")
		b.WriteString(f)
	}
	b.WriteString(")")
	return b.String()
}

func escapeSBPLString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// globToSandboxRegex converts a glob to a Seatbelt regex.
//
//	**/    → (.*/)?   zero or more directory levels
//	**     → .*       anything
//	*      → [^/]*    anything within one component
//	?      → [^/]     one character within a component
//	[a-c]  → [a-c]    character class, [!x] becomes [^x]
//	{a,b}  → (a|b)    alternatives
func globToSandboxRegex(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	depth := 0
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch {
		case strings.HasPrefix(glob[i:], "**/"):
			b.WriteString("(.*/)?")
			i += 2
		case strings.HasPrefix(glob[i:], "**"):
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		case c == '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + escapeSBPLString(class) + "]")
			i += end + 1
		case c == '{':
			depth++
			b.WriteString("(")
		case c == '}' && depth > 0:
			depth--
			b.WriteString(")")
		case c == ',' && depth > 0:
			b.WriteString("|")
		case strings.IndexByte(`.+()^$|\"#{}`, c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	out := b.String()
	if !strings.HasSuffix(out, ".*") {
		out += "$"
	}
	return out
}
