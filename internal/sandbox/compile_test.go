package sandbox

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/policy"
	"github.com/Mearman/claudia/internal/types"
)

var testNorm = policy.NewNormalizerWithEnv("/home/u", nil)

type ruleSpec struct {
	class   types.ResourceClass
	effect  types.Effect
	pattern string
}

func fsRule(effect types.Effect, pattern string) ruleSpec {
	return ruleSpec{types.ClassFilesystem, effect, pattern}
}

func netRule(effect types.Effect, pattern string) ruleSpec {
	return ruleSpec{types.ClassNetwork, effect, pattern}
}

func capRule(effect types.Effect, pattern string) ruleSpec {
	return ruleSpec{types.ClassCapability, effect, pattern}
}

func sysRule(effect types.Effect, pattern string) ruleSpec {
	return ruleSpec{types.ClassSyscall, effect, pattern}
}

func buildPolicy(t *testing.T, rules ...ruleSpec) *policy.Policy {
	t.Helper()
	p := policy.New("test")
	for _, rs := range rules {
		r, err := policy.NewRuleWith(testNorm, rs.class, rs.pattern, rs.effect)
		if err != nil {
			t.Fatalf("NewRule(%s %s %s): %v", rs.class, rs.effect, rs.pattern, err)
		}
		if err := p.AddRule(r); err != nil {
			t.Fatalf("AddRule: %v", err)
		}
	}
	return p
}

func compileProgram(t *testing.T, p *policy.Policy, platform types.Platform) *Program {
	t.Helper()
	cp, err := Compile(p, platform)
	if err != nil {
		t.Fatalf("Compile(%s): %v", platform, err)
	}
	prog, err := cp.Program()
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	return prog
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestCompile_Deterministic(t *testing.T) {
	build := func() *policy.Policy {
		return buildPolicy(t,
			fsRule(types.EffectAllow, "/etc/*"),
			fsRule(types.EffectDeny, "/tmp/*"),
			netRule(types.EffectAllow, "*:443"),
			netRule(types.EffectAllow, "*:80"),
			capRule(types.EffectAllow, "exec"),
		)
	}
	for _, platform := range []types.Platform{types.PlatformLinux, types.PlatformDarwin} {
		t.Run(string(platform), func(t *testing.T) {
			a, err := Compile(build(), platform)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			for i := 0; i < 5; i++ {
				b, err := Compile(build(), platform)
				if err != nil {
					t.Fatalf("Compile: %v", err)
				}
				if !bytes.Equal(a.Bytes(), b.Bytes()) {
					t.Fatal("program bytes differ between identical compiles")
				}
				if a.Digest() != b.Digest() {
					t.Fatalf("digest %s != %s", a.Digest(), b.Digest())
				}
			}
		})
	}
}

func TestCompile_DoesNotMutatePolicy(t *testing.T) {
	p := buildPolicy(t, fsRule(types.EffectAllow, "/etc/*"), netRule(types.EffectAllow, "*:443"))
	before := p.Digest()
	rev := p.Revision()
	if _, err := Compile(p, types.PlatformLinux); err != nil {
		t.Fatal(err)
	}
	if p.Digest() != before || p.Revision() != rev {
		t.Error("Compile modified its input policy")
	}
}

func TestCompile_Metadata(t *testing.T) {
	p := buildPolicy(t, fsRule(types.EffectAllow, "/etc/*"), fsRule(types.EffectDeny, "/tmp/*"))
	cp, err := Compile(p, types.PlatformLinux)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Platform() != types.PlatformLinux || cp.Name() != "test" || cp.RuleCount() != 2 {
		t.Errorf("metadata = %s %q %d", cp.Platform(), cp.Name(), cp.RuleCount())
	}
	if cp.SourceDigest() != p.Digest() {
		t.Error("source digest does not match the policy")
	}
	if cp.Stale(p) {
		t.Error("fresh program reported stale")
	}
	if err := p.Add(types.ClassFilesystem, "/srv", types.EffectAllow); err != nil {
		t.Fatal(err)
	}
	if !cp.Stale(p) {
		t.Error("program not stale after the policy changed")
	}

	// Bytes returns a copy.
	b := cp.Bytes()
	b[0] ^= 0xff
	if bytes.Equal(b, cp.Bytes()) {
		t.Error("Bytes exposed the internal buffer")
	}
}

func TestCompile_UnknownPlatform(t *testing.T) {
	_, err := Compile(policy.New("x"), types.Platform("plan9"))
	if !errors.Is(err, errdefs.ErrPlatformUnsupported) {
		t.Errorf("want ErrPlatformUnsupported, got %v", err)
	}
}

func TestDecodeProgram_Rejects(t *testing.T) {
	tests := []struct {
		name string
		prog *Program
	}{
		{"wrong version", &Program{Version: 99, Platform: types.PlatformLinux, Linux: &LandlockProgram{}}},
		{"missing section", &Program{Version: programVersion, Platform: types.PlatformLinux}},
		{"mismatched section", &Program{Version: programVersion, Platform: types.PlatformDarwin, Linux: &LandlockProgram{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encMode.Marshal(tt.prog)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := decodeProgram(data); !errors.Is(err, errdefs.ErrInstall) {
				t.Errorf("want ErrInstall, got %v", err)
			}
		})
	}
	if _, err := decodeProgram([]byte{0xff, 0x00}); !errors.Is(err, errdefs.ErrInstall) {
		t.Errorf("garbage: want ErrInstall, got %v", err)
	}
}

func TestCompile_Unsupported(t *testing.T) {
	tests := []struct {
		name     string
		platform types.Platform
		rules    []ruleSpec
		wantRule string
	}{
		{
			name:     "linux glob allow",
			platform: types.PlatformLinux,
			rules:    []ruleSpec{fsRule(types.EffectAllow, "/srv/*.log")},
			wantRule: "filesystem[0] allow /srv/*.log",
		},
		{
			name:     "linux deny carved out of later allow",
			platform: types.PlatformLinux,
			rules:    []ruleSpec{fsRule(types.EffectDeny, "/home/u/.ssh"), fsRule(types.EffectAllow, "/home/u")},
			wantRule: "filesystem[0] deny /home/u/.ssh",
		},
		{
			name:     "linux glob deny inside later allow",
			platform: types.PlatformLinux,
			rules:    []ruleSpec{fsRule(types.EffectDeny, "/home/u/**/.env"), fsRule(types.EffectAllow, "/home/u")},
			wantRule: "filesystem[0] deny /home/u/**/.env",
		},
		{
			name:     "linux host-specific allow",
			platform: types.PlatformLinux,
			rules:    []ruleSpec{netRule(types.EffectAllow, "example.com:443")},
			wantRule: "network[0] allow example.com:443",
		},
		{
			name:     "linux host deny inside later allow",
			platform: types.PlatformLinux,
			rules:    []ruleSpec{netRule(types.EffectDeny, "10.0.0.1:*"), netRule(types.EffectAllow, "*:443")},
			wantRule: "network[0] deny 10.0.0.1:*",
		},
		{
			name:     "linux port deny inside allow of every port",
			platform: types.PlatformLinux,
			rules:    []ruleSpec{netRule(types.EffectDeny, "*:22"), netRule(types.EffectAllow, "*:*")},
			wantRule: "network[0] deny *:22",
		},
		{
			name:     "linux syscall predicate",
			platform: types.PlatformLinux,
			rules:    []ruleSpec{sysRule(types.EffectAllow, "personality(arg0==0)")},
			wantRule: "syscall[0] allow personality(arg0==0)",
		},
		{
			name:     "linux unknown capability",
			platform: types.PlatformLinux,
			rules:    []ruleSpec{capRule(types.EffectAllow, "exec"), capRule(types.EffectDeny, "teleport")},
			wantRule: "capability[1] deny teleport",
		},
		{
			name:     "darwin syscall rule",
			platform: types.PlatformDarwin,
			rules:    []ruleSpec{sysRule(types.EffectDeny, "ptrace")},
			wantRule: "syscall[0] deny ptrace",
		},
		{
			name:     "darwin remote host",
			platform: types.PlatformDarwin,
			rules:    []ruleSpec{netRule(types.EffectAllow, "*:443"), netRule(types.EffectAllow, "example.com:80")},
			wantRule: "network[1] allow example.com:80",
		},
		{
			name:     "darwin unknown capability",
			platform: types.PlatformDarwin,
			rules:    []ruleSpec{capRule(types.EffectDeny, "namespaces")},
			wantRule: "capability[0] deny namespaces",
		},
		{
			name:     "windows glob path",
			platform: types.PlatformWindows,
			rules:    []ruleSpec{fsRule(types.EffectAllow, "/etc"), fsRule(types.EffectDeny, "/var/**/*.key")},
			wantRule: "filesystem[1] deny /var/**/*.key",
		},
		{
			name:     "windows network",
			platform: types.PlatformWindows,
			rules:    []ruleSpec{netRule(types.EffectAllow, "*:443")},
			wantRule: "network[0] allow *:443",
		},
		{
			name:     "windows unknown capability",
			platform: types.PlatformWindows,
			rules:    []ruleSpec{capRule(types.EffectAllow, "ptrace")},
			wantRule: "capability[0] allow ptrace",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(buildPolicy(t, tt.rules...), tt.platform)
			if !errors.Is(err, errdefs.ErrUnsupportedResource) {
				t.Fatalf("want ErrUnsupportedResource, got %v", err)
			}
			var se *errdefs.Error
			if !errors.As(err, &se) || se.Rule != tt.wantRule {
				t.Errorf("rule = %q, want %q", se.Rule, tt.wantRule)
			}
		})
	}
}

func TestCompileLandlock_Paths(t *testing.T) {
	tests := []struct {
		name  string
		rules []ruleSpec
		want  []string
	}{
		{
			name:  "allow list ignores plain denies",
			rules: []ruleSpec{fsRule(types.EffectAllow, "/etc/*"), fsRule(types.EffectDeny, "/tmp/*")},
			want:  []string{"/etc"},
		},
		{
			name:  "allow inside earlier deny is dead",
			rules: []ruleSpec{fsRule(types.EffectDeny, "/srv"), fsRule(types.EffectAllow, "/srv/data"), fsRule(types.EffectAllow, "/opt")},
			want:  []string{"/opt"},
		},
		{
			name:  "deny inside earlier allow is shadowed",
			rules: []ruleSpec{fsRule(types.EffectAllow, "/home/u"), fsRule(types.EffectDeny, "/home/u/.ssh")},
			want:  []string{"/home/u"},
		},
		{
			name:  "unrelated glob deny",
			rules: []ruleSpec{fsRule(types.EffectDeny, "/var/**/*.key"), fsRule(types.EffectAllow, "/etc/**")},
			want:  []string{"/etc"},
		},
		{
			name:  "duplicates collapse",
			rules: []ruleSpec{fsRule(types.EffectAllow, "/etc"), fsRule(types.EffectAllow, "/etc/**")},
			want:  []string{"/etc"},
		},
		{
			name:  "tilde expansion",
			rules: []ruleSpec{fsRule(types.EffectAllow, "~/work")},
			want:  []string{"/home/u/work"},
		},
		{
			name: "empty policy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lp := compileProgram(t, buildPolicy(t, tt.rules...), types.PlatformLinux).Linux
			if !reflect.DeepEqual(lp.Paths, tt.want) {
				t.Errorf("Paths = %v, want %v", lp.Paths, tt.want)
			}
		})
	}
}

func TestCompileLandlock_Network(t *testing.T) {
	tests := []struct {
		name        string
		rules       []ruleSpec
		wantHandled bool
		wantPorts   []uint16
		wantConnect bool // connect in the seccomp deny list
	}{
		{name: "no rules refuses every connect", wantConnect: true},
		{
			name:        "only denies refuse every connect",
			rules:       []ruleSpec{netRule(types.EffectDeny, "*:*")},
			wantConnect: true,
		},
		{
			name:        "ports",
			rules:       []ruleSpec{netRule(types.EffectAllow, "*:443"), netRule(types.EffectAllow, "*:80"), netRule(types.EffectAllow, "*:443")},
			wantHandled: true,
			wantPorts:   []uint16{80, 443},
		},
		{
			name:  "any endpoint",
			rules: []ruleSpec{netRule(types.EffectAllow, "*:*")},
		},
		{
			name:        "port deny shadows the same port",
			rules:       []ruleSpec{netRule(types.EffectDeny, "*:80"), netRule(types.EffectAllow, "*:80"), netRule(types.EffectAllow, "*:443")},
			wantHandled: true,
			wantPorts:   []uint16{443},
		},
		{
			name:        "deny all shadows every later allow",
			rules:       []ruleSpec{netRule(types.EffectDeny, "*:*"), netRule(types.EffectAllow, "*:443")},
			wantConnect: true,
		},
		{
			name:  "allow all shadows later rules",
			rules: []ruleSpec{netRule(types.EffectAllow, "*:*"), netRule(types.EffectAllow, "example.com:22")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lp := compileProgram(t, buildPolicy(t, tt.rules...), types.PlatformLinux).Linux
			if lp.HandleNetwork != tt.wantHandled {
				t.Errorf("HandleNetwork = %v, want %v", lp.HandleNetwork, tt.wantHandled)
			}
			if !reflect.DeepEqual(lp.ConnectPorts, tt.wantPorts) {
				t.Errorf("ConnectPorts = %v, want %v", lp.ConnectPorts, tt.wantPorts)
			}
			if got := contains(lp.DenySyscalls, "connect"); got != tt.wantConnect {
				t.Errorf("connect denied = %v, want %v", got, tt.wantConnect)
			}
			wantABI := 1
			if tt.wantHandled {
				wantABI = 4
			}
			if lp.MinABI() != wantABI {
				t.Errorf("MinABI = %d, want %d", lp.MinABI(), wantABI)
			}
		})
	}
}

func TestCompileLandlock_Syscalls(t *testing.T) {
	t.Run("empty policy denies every handled syscall", func(t *testing.T) {
		lp := compileProgram(t, policy.New("empty"), types.PlatformLinux).Linux
		for _, name := range HandledSyscalls() {
			if !contains(lp.DenySyscalls, name) {
				t.Errorf("%s not denied", name)
			}
		}
	})

	t.Run("capability allow lifts its group", func(t *testing.T) {
		p := buildPolicy(t, capRule(types.EffectAllow, "exec"), capRule(types.EffectDeny, "ptrace"))
		lp := compileProgram(t, p, types.PlatformLinux).Linux
		for _, name := range []string{"execve", "execveat"} {
			if contains(lp.DenySyscalls, name) {
				t.Errorf("%s denied despite allow exec", name)
			}
		}
		if !contains(lp.DenySyscalls, "ptrace") {
			t.Error("ptrace not denied")
		}
	})

	t.Run("syscall rule overrides capability group", func(t *testing.T) {
		p := buildPolicy(t, sysRule(types.EffectAllow, "ptrace"), capRule(types.EffectDeny, "ptrace"))
		lp := compileProgram(t, p, types.PlatformLinux).Linux
		if contains(lp.DenySyscalls, "ptrace") {
			t.Error("ptrace denied despite syscall allow")
		}
		if !contains(lp.DenySyscalls, "process_vm_readv") {
			t.Error("process_vm_readv should follow the ptrace capability deny")
		}
	})

	t.Run("syscall rules extend the handled set", func(t *testing.T) {
		p := buildPolicy(t, sysRule(types.EffectDeny, "io_uring_setup"))
		lp := compileProgram(t, p, types.PlatformLinux).Linux
		if !contains(lp.DenySyscalls, "io_uring_setup") {
			t.Error("io_uring_setup not denied")
		}
	})

	t.Run("first match wins", func(t *testing.T) {
		p := buildPolicy(t, sysRule(types.EffectDeny, "personality"), sysRule(types.EffectAllow, "personality"))
		lp := compileProgram(t, p, types.PlatformLinux).Linux
		if !contains(lp.DenySyscalls, "personality") {
			t.Error("later allow overrode earlier deny")
		}
	})

	t.Run("sorted", func(t *testing.T) {
		lp := compileProgram(t, policy.New("empty"), types.PlatformLinux).Linux
		for i := 1; i < len(lp.DenySyscalls); i++ {
			if lp.DenySyscalls[i-1] >= lp.DenySyscalls[i] {
				t.Fatalf("deny list not sorted at %d: %v", i, lp.DenySyscalls)
			}
		}
	})
}

func TestCompileJobObject(t *testing.T) {
	tests := []struct {
		name      string
		rules     []ruleSpec
		wantLimit uint32
		wantUI    uint32
	}{
		{
			name:      "empty policy",
			wantLimit: 1,
			wantUI:    0xff,
		},
		{
			name:   "spawn allowed",
			rules:  []ruleSpec{capRule(types.EffectAllow, "spawn")},
			wantUI: 0xff,
		},
		{
			name:      "first child rule decides",
			rules:     []ruleSpec{capRule(types.EffectDeny, "exec"), capRule(types.EffectAllow, "spawn")},
			wantLimit: 1,
			wantUI:    0xff,
		},
		{
			name:      "clipboard lifts both clipboard bits",
			rules:     []ruleSpec{capRule(types.EffectAllow, "clipboard")},
			wantLimit: 1,
			wantUI:    0xff &^ (0x2 | 0x4),
		},
		{
			name:      "single UI capability",
			rules:     []ruleSpec{capRule(types.EffectAllow, "desktop"), capRule(types.EffectAllow, "handles")},
			wantLimit: 1,
			wantUI:    0xff &^ (0x40 | 0x1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jp := compileProgram(t, buildPolicy(t, tt.rules...), types.PlatformWindows).Windows
			if jp.ActiveProcessLimit != tt.wantLimit {
				t.Errorf("ActiveProcessLimit = %d, want %d", jp.ActiveProcessLimit, tt.wantLimit)
			}
			if jp.UIRestrictions != tt.wantUI {
				t.Errorf("UIRestrictions = 0x%x, want 0x%x", jp.UIRestrictions, tt.wantUI)
			}
			if !jp.LowIntegrity {
				t.Error("LowIntegrity not set")
			}
		})
	}
}

func TestCompileJobObject_Paths(t *testing.T) {
	tests := []struct {
		name         string
		rules        []ruleSpec
		wantWritable []string
		wantHidden   []string
		wantLabels   []PathLabel
	}{
		{
			name:         "allow becomes writable",
			rules:        []ruleSpec{capRule(types.EffectAllow, "spawn"), fsRule(types.EffectAllow, "/etc")},
			wantWritable: []string{"/etc"},
			wantLabels:   []PathLabel{{Path: "/etc"}},
		},
		{
			name:         "deny becomes hidden",
			rules:        []ruleSpec{fsRule(types.EffectDeny, "/home/u/.ssh"), fsRule(types.EffectAllow, "/tmp/*")},
			wantWritable: []string{"/tmp"},
			wantHidden:   []string{"/home/u/.ssh"},
			wantLabels:   []PathLabel{{Path: "/tmp"}, {Path: "/home/u/.ssh", Hidden: true}},
		},
		{
			name:         "earlier nested deny is labelled after its parent",
			rules:        []ruleSpec{fsRule(types.EffectDeny, "/home/u/.ssh"), fsRule(types.EffectAllow, "/home/u")},
			wantWritable: []string{"/home/u"},
			wantHidden:   []string{"/home/u/.ssh"},
			wantLabels:   []PathLabel{{Path: "/home/u"}, {Path: "/home/u/.ssh", Hidden: true}},
		},
		{
			name:         "later nested rule is dead",
			rules:        []ruleSpec{fsRule(types.EffectAllow, "/srv"), fsRule(types.EffectDeny, "/srv/secret")},
			wantWritable: []string{"/srv"},
			wantLabels:   []PathLabel{{Path: "/srv"}},
		},
		{
			name:         "duplicates collapse",
			rules:        []ruleSpec{fsRule(types.EffectAllow, "/etc"), fsRule(types.EffectDeny, "/etc/**")},
			wantWritable: []string{"/etc"},
			wantLabels:   []PathLabel{{Path: "/etc"}},
		},
		{
			name:       "no filesystem rules",
			rules:      []ruleSpec{capRule(types.EffectAllow, "clipboard")},
			wantLabels: []PathLabel{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jp := compileProgram(t, buildPolicy(t, tt.rules...), types.PlatformWindows).Windows
			if !reflect.DeepEqual(jp.WritablePaths, tt.wantWritable) {
				t.Errorf("WritablePaths = %v, want %v", jp.WritablePaths, tt.wantWritable)
			}
			if !reflect.DeepEqual(jp.HiddenPaths, tt.wantHidden) {
				t.Errorf("HiddenPaths = %v, want %v", jp.HiddenPaths, tt.wantHidden)
			}
			if got := jp.Labels(); !reflect.DeepEqual(got, tt.wantLabels) {
				t.Errorf("Labels = %+v, want %+v", got, tt.wantLabels)
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	for _, platform := range types.AllPlatforms() {
		caps := Capabilities(platform)
		if len(caps) == 0 {
			t.Errorf("%s: no capabilities", platform)
		}
		for i := 1; i < len(caps); i++ {
			if caps[i-1] >= caps[i] {
				t.Errorf("%s: not sorted: %v", platform, caps)
			}
		}
	}
	if !contains(Capabilities(types.PlatformWindows), "clipboard") {
		t.Error("windows missing clipboard")
	}
	if got := strings.Join(Capabilities(types.PlatformDarwin), ","); got != "exec,fork,kill,ptrace" {
		t.Errorf("darwin capabilities = %s", got)
	}
}
