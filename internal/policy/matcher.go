package policy

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Mearman/claudia/internal/types"
)

// MaxMatcherLen bounds the length of a matcher as written.
const MaxMatcherLen = 512

// Matcher decides whether a concrete target string falls under a rule.
type Matcher interface {
	Match(target string) bool
	// String returns the canonical form used for compilation and diagnostics.
	String() string
}

// ParseMatcher parses pattern according to the grammar of class.
func ParseMatcher(class types.ResourceClass, pattern string, n *Normalizer) (Matcher, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty %s matcher", class)
	}
	if len(pattern) > MaxMatcherLen {
		return nil, fmt.Errorf("%s matcher exceeds %d bytes", class, MaxMatcherLen)
	}
	switch class {
	case types.ClassFilesystem:
		return parsePath(pattern, n)
	case types.ClassNetwork:
		return parseEndpoint(pattern)
	case types.ClassCapability:
		return parseCapability(pattern)
	case types.ClassSyscall:
		return parseSyscall(pattern)
	}
	return nil, fmt.Errorf("unknown resource class %q", class)
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// PathMatcher matches filesystem paths. A matcher without wildcards, or whose
// only wildcard is a trailing "/*" or "/**", covers the subtree at Root.
// Anything else is a glob where "*" stays within one path component and "**"
// crosses components.
type PathMatcher struct {
	Root    string
	Pattern string
	glob    glob.Glob
	norm    *Normalizer
}

func parsePath(raw string, n *Normalizer) (*PathMatcher, error) {
	p, err := n.NormalizePattern(raw)
	if err != nil {
		return nil, fmt.Errorf("filesystem matcher %q: %w", raw, err)
	}
	if p == "" {
		return nil, fmt.Errorf("empty filesystem matcher")
	}
	if !isAbs(p) {
		return nil, fmt.Errorf("filesystem matcher %q is not absolute", raw)
	}

	base := p
	for _, suffix := range []string{"/**", "/*"} {
		if strings.HasSuffix(base, suffix) && !hasMeta(strings.TrimSuffix(base, suffix)) {
			base = strings.TrimSuffix(base, suffix)
			if base == "" {
				base = "/"
			}
			break
		}
	}
	if !hasMeta(base) {
		return &PathMatcher{Root: cleanSlash(base), norm: n}, nil
	}

	pattern, err := resolveGlobSegments(p)
	if err != nil {
		return nil, fmt.Errorf("filesystem matcher %q: %w", raw, err)
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("filesystem matcher %q: %w", raw, err)
	}
	return &PathMatcher{Pattern: pattern, glob: g, norm: n}, nil
}

// resolveGlobSegments resolves . and .. in a glob pattern. Stepping back over
// a wildcard component would change what the pattern covers, so it is refused.
func resolveGlobSegments(p string) (string, error) {
	lead := ""
	rest := p
	if strings.HasPrefix(p, "/") {
		lead = "/"
		rest = p[1:]
	}
	var out []string
	for _, seg := range strings.Split(rest, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				continue
			}
			if hasMeta(out[len(out)-1]) {
				return "", fmt.Errorf("'..' after a wildcard component")
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	return lead + strings.Join(out, "/"), nil
}

// IsSubtree reports whether the matcher covers a plain directory subtree.
func (m *PathMatcher) IsSubtree() bool {
	return m.glob == nil
}

// LiteralPrefix returns the longest wildcard-free leading directory of the
// matcher. For a subtree matcher it is the root itself.
func (m *PathMatcher) LiteralPrefix() string {
	if m.IsSubtree() {
		return m.Root
	}
	segs := strings.Split(m.Pattern, "/")
	i := 0
	for i < len(segs) && !hasMeta(segs[i]) {
		i++
	}
	prefix := strings.Join(segs[:i], "/")
	if prefix == "" {
		return "/"
	}
	return prefix
}

func (m *PathMatcher) Match(target string) bool {
	t := m.norm.Normalize(target)
	if t == "" || !isAbs(t) {
		return false
	}
	if m.IsSubtree() {
		return underRoot(t, m.Root)
	}
	return m.glob.Match(t)
}

func (m *PathMatcher) String() string {
	if m.IsSubtree() {
		return m.Root
	}
	return m.Pattern
}

// underRoot reports whether p is root or lies beneath it.
func underRoot(p, root string) bool {
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

var hostnameRe = regexp.MustCompile(`^[a-z0-9_]([a-z0-9_-]*[a-z0-9_])?(\.[a-z0-9_]([a-z0-9_-]*[a-z0-9_])?)*$`)

// EndpointMatcher matches "host:port" network endpoints.
// Host "*" and Port 0 are wildcards.
type EndpointMatcher struct {
	Host string
	Port int
	glob glob.Glob
}

func parseEndpoint(raw string) (*EndpointMatcher, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("network matcher %q: %w", raw, err)
	}
	m := &EndpointMatcher{}
	if portStr != "*" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("network matcher %q: port must be * or 1-65535", raw)
		}
		m.Port = port
	}

	host = canonicalHost(host)
	switch {
	case host == "":
		return nil, fmt.Errorf("network matcher %q: empty host", raw)
	case host == "*":
	case hasMeta(host):
		g, err := glob.Compile(host, '.')
		if err != nil {
			return nil, fmt.Errorf("network matcher %q: %w", raw, err)
		}
		m.glob = g
	case net.ParseIP(host) == nil && !hostnameRe.MatchString(host):
		return nil, fmt.Errorf("network matcher %q: invalid host", raw)
	}
	m.Host = host
	return m, nil
}

func canonicalHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

// AnyHost reports whether the matcher accepts every host.
func (m *EndpointMatcher) AnyHost() bool {
	return m.Host == "*"
}

// IsLoopback reports whether the host is localhost or a loopback address.
func (m *EndpointMatcher) IsLoopback() bool {
	if m.Host == "localhost" {
		return true
	}
	ip := net.ParseIP(m.Host)
	return ip != nil && ip.IsLoopback()
}

func (m *EndpointMatcher) Match(target string) bool {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(target))
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	if m.Port != 0 && m.Port != port {
		return false
	}
	host = canonicalHost(host)
	switch {
	case m.Host == "*":
		return true
	case m.glob != nil:
		return m.glob.Match(host)
	}
	return host == m.Host
}

func (m *EndpointMatcher) String() string {
	port := "*"
	if m.Port != 0 {
		port = strconv.Itoa(m.Port)
	}
	return net.JoinHostPort(m.Host, port)
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// CapabilityMatcher matches a named process capability exactly.
type CapabilityMatcher struct {
	Name string
}

func parseCapability(raw string) (*CapabilityMatcher, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if !identRe.MatchString(name) {
		return nil, fmt.Errorf("capability matcher %q: want a lowercase identifier", raw)
	}
	return &CapabilityMatcher{Name: name}, nil
}

func (m *CapabilityMatcher) Match(target string) bool {
	return strings.ToLower(strings.TrimSpace(target)) == m.Name
}

func (m *CapabilityMatcher) String() string { return m.Name }

// ArgPredicate constrains one syscall argument.
type ArgPredicate struct {
	Index int
	Equal bool
	Value uint64
}

func (p ArgPredicate) String() string {
	op := "!="
	if p.Equal {
		op = "=="
	}
	return fmt.Sprintf("arg%d%s%d", p.Index, op, p.Value)
}

var (
	syscallRe       = regexp.MustCompile(`^([a-z_][a-z0-9_]*)(?:\(\s*arg([0-5])\s*(==|!=)\s*(0[xX][0-9a-fA-F]+|[0-9]+)\s*\))?$`)
	syscallTargetRe = regexp.MustCompile(`^([a-z_][a-z0-9_]*)(?:\(([^)]*)\))?$`)
)

// SyscallMatcher matches a system call by name with an optional argument predicate.
type SyscallMatcher struct {
	Name      string
	Predicate *ArgPredicate
}

func parseSyscall(raw string) (*SyscallMatcher, error) {
	m := syscallRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil, fmt.Errorf("syscall matcher %q: want name or name(argN==V)", raw)
	}
	sm := &SyscallMatcher{Name: m[1]}
	if m[2] != "" {
		idx, _ := strconv.Atoi(m[2])
		val, err := strconv.ParseUint(m[4], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("syscall matcher %q: %w", raw, err)
		}
		sm.Predicate = &ArgPredicate{Index: idx, Equal: m[3] == "==", Value: val}
	}
	return sm, nil
}

// ParseSyscallTarget splits "name" or "name(v0,v1,...)" into its parts.
func ParseSyscallTarget(target string) (string, []uint64, error) {
	m := syscallTargetRe.FindStringSubmatch(strings.TrimSpace(target))
	if m == nil {
		return "", nil, fmt.Errorf("syscall target %q: want name or name(v0,...)", target)
	}
	if strings.TrimSpace(m[2]) == "" {
		return m[1], nil, nil
	}
	var args []uint64
	for _, a := range strings.Split(m[2], ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(a), 0, 64)
		if err != nil {
			return "", nil, fmt.Errorf("syscall target %q: %w", target, err)
		}
		args = append(args, v)
	}
	return m[1], args, nil
}

// Match reports whether target names this syscall and satisfies the
// predicate. A predicate never matches a target that omits the argument.
func (m *SyscallMatcher) Match(target string) bool {
	name, args, err := ParseSyscallTarget(target)
	if err != nil || name != m.Name {
		return false
	}
	if m.Predicate == nil {
		return true
	}
	if m.Predicate.Index >= len(args) {
		return false
	}
	return (args[m.Predicate.Index] == m.Predicate.Value) == m.Predicate.Equal
}

func (m *SyscallMatcher) String() string {
	if m.Predicate == nil {
		return m.Name
	}
	return m.Name + "(" + m.Predicate.String() + ")"
}
