package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/probe"
	"github.com/Mearman/claudia/internal/sandbox"
	"github.com/Mearman/claudia/internal/sandbox/sandboxtest"
	"github.com/Mearman/claudia/internal/types"
)

const (
	childArg       = "scenario-child"
	brokenChildArg = "scenario-child-broken"
	// realChildArg installs with the host backend; only the sandbox_e2e
	// tests launch it.
	realChildArg = "scenario-child-real"
)

// TestMain lets the test binary act as a scenario child when re-executed by
// ExecLauncher.
func TestMain(m *testing.M) {
	if len(os.Args) == 2 {
		switch os.Args[1] {
		case childArg:
			os.Exit(ServeChild(context.Background(), childRunner(), os.Stdin, os.Stdout, os.Stderr))
		case realChildArg:
			os.Exit(ServeChild(context.Background(), NewRunner(sandbox.Detect(), Options{}), os.Stdin, os.Stdout, os.Stderr))
		case brokenChildArg:
			WriteSetupError(os.Stderr, errdefs.New(errdefs.CodePlatformUnsupported, "no primitive in this child"))
			os.Exit(ExitSetupError)
		}
	}
	os.Exit(m.Run())
}

func childRunner() *Runner {
	return NewRunner(sandboxtest.New(types.PlatformLinux), Options{
		Launcher: &pidLauncher{},
		NewProber: func() Prober {
			return &tableProber{outcomes: map[string]probe.Outcome{"/etc/passwd": probe.Deny, "/tmp/x": probe.Allow}}
		},
	})
}

func testExecutable(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}
	return exe
}

func TestLastLineWriter(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   string
	}{
		{"single line", []string{"hello\n"}, "hello"},
		{"several lines", []string{"a\nb\n", "c\n"}, "c"},
		{"split write", []string{`{"err`, `or":"x"}` + "\n"}, `{"error":"x"}`},
		{"trailing partial", []string{"done\n", "partial"}, "partial"},
		{"nothing", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dest bytes.Buffer
			w := &lastLineWriter{dest: &dest}
			for _, s := range tt.writes {
				if _, err := w.Write([]byte(s)); err != nil {
					t.Fatal(err)
				}
			}
			if got := string(w.LastLine()); got != tt.want {
				t.Errorf("LastLine() = %q, want %q", got, tt.want)
			}
			if dest.String() != strings.Join(tt.writes, "") {
				t.Errorf("dest = %q, not passed through", dest.String())
			}
		})
	}
}

func TestParseSetupError(t *testing.T) {
	good := `{"error":"platform_unsupported","message":"landlock ABI 1 < 3"}`
	tests := []struct {
		name string
		line string
		want errdefs.Code
	}{
		{"valid", good, errdefs.CodePlatformUnsupported},
		{"trailing newline", good + "\r\n", errdefs.CodePlatformUnsupported},
		{"plain text", "panic: boom", ""},
		{"missing message", `{"error":"install_error"}`, ""},
		{"broken json", `{"error":`, ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := parseSetupError([]byte(tt.line))
			if tt.want == "" {
				if se != nil {
					t.Errorf("parsed %+v from %q", se, tt.line)
				}
				return
			}
			if se == nil || se.Code != tt.want {
				t.Errorf("parseSetupError(%q) = %+v, want code %s", tt.line, se, tt.want)
			}
		})
	}
}

func TestSanitizedEnv(t *testing.T) {
	t.Setenv("SANDBOX_LOG_LEVEL", "debug")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "hunter2")
	env := sanitizedEnv()
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "SANDBOX_LOG_LEVEL=debug") {
		t.Errorf("SANDBOX_LOG_LEVEL not passed through: %v", env)
	}
	if strings.Contains(joined, "AWS_SECRET_ACCESS_KEY") {
		t.Error("secret leaked into child environment")
	}
}

func TestServeChild(t *testing.T) {
	encode := func(s Scenario) *bytes.Reader {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatal(err)
		}
		return bytes.NewReader(data)
	}
	failing := etcTmpScenario()
	failing.Cases[0].Expected = types.EffectAllow

	tests := []struct {
		name    string
		in      *bytes.Reader
		code    int
		verdict Verdict
	}{
		{"pass", encode(etcTmpScenario()), ExitPass, VerdictPass},
		{"fail", encode(failing), ExitFail, VerdictFail},
		{"garbage", bytes.NewReader([]byte("not json")), ExitSetupError, ""},
		{"unknown field", bytes.NewReader([]byte(`{"name":"a","colour":"red"}`)), ExitSetupError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			code := ServeChild(context.Background(), childRunner(), tt.in, &out, &errOut)
			if code != tt.code {
				t.Fatalf("exit code = %d, want %d (stderr %s)", code, tt.code, errOut.String())
			}
			if tt.code == ExitSetupError {
				if se := parseSetupError(bytes.TrimSpace(errOut.Bytes())); se == nil || se.Code != errdefs.CodeInvalidRule {
					t.Errorf("stderr = %q, want an invalid_rule error line", errOut.String())
				}
				return
			}
			var rep Report
			if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
				t.Fatal(err)
			}
			if rep.Verdict != tt.verdict {
				t.Errorf("verdict = %s, want %s", rep.Verdict, tt.verdict)
			}
		})
	}
}

func TestExecLauncher(t *testing.T) {
	exe := testExecutable(t)
	var stderr bytes.Buffer
	l := &ExecLauncher{Command: []string{exe, childArg}, Stderr: &stderr}

	rep := l.RunScenario(context.Background(), etcTmpScenario())
	if rep.Verdict != VerdictPass {
		t.Fatalf("verdict = %s, err %v, stderr %s", rep.Verdict, rep.Err, stderr.String())
	}
	if rep.Handle == nil || rep.Handle.Primitive != "fake" {
		t.Errorf("handle not carried back: %+v", rep.Handle)
	}

	failing := etcTmpScenario()
	failing.Cases[1].Expected = types.EffectDeny
	rep = l.RunScenario(context.Background(), failing)
	if rep.Verdict != VerdictFail || rep.Err != nil {
		t.Errorf("verdict = %s err = %v, want a plain probe failure", rep.Verdict, rep.Err)
	}
	if got := statuses(rep); !equalStatuses(got, []CaseStatus{StatusPass, StatusFail}) {
		t.Errorf("statuses = %v", got)
	}
}

func TestExecLauncher_SetupError(t *testing.T) {
	exe := testExecutable(t)
	l := &ExecLauncher{Command: []string{exe, brokenChildArg}, Stderr: &bytes.Buffer{}}

	rep := l.RunScenario(context.Background(), etcTmpScenario())
	if rep.Verdict != VerdictFail {
		t.Errorf("verdict = %s, want fail", rep.Verdict)
	}
	if !errors.Is(rep.Err, errdefs.ErrPlatformUnsupported) {
		t.Errorf("err = %v, want the child's platform_unsupported", rep.Err)
	}
	if got := statuses(rep); !equalStatuses(got, []CaseStatus{StatusNotRun, StatusNotRun}) {
		t.Errorf("statuses = %v", got)
	}
}

func TestExecSuite(t *testing.T) {
	exe := testExecutable(t)
	l := &ExecLauncher{Command: []string{exe, childArg}, Stderr: &bytes.Buffer{}}
	a, b := etcTmpScenario(), etcTmpScenario()
	b.Name = "etc-tmp-again"

	sr := ExecSuite(context.Background(), l, &Suite{Name: "exec", Scenarios: []Scenario{a, b}}, 2, Environment{})
	if !sr.Passed() {
		t.Fatalf("suite failed: %+v", sr.Reports)
	}
	if sr.Reports[0].Handle.ID == sr.Reports[1].Handle.ID {
		t.Error("two children reported the same handle")
	}
}

func TestExecLauncher_NoCommand(t *testing.T) {
	rep := (&ExecLauncher{}).RunScenario(context.Background(), etcTmpScenario())
	if rep.Verdict != VerdictFail || rep.Err == nil {
		t.Errorf("verdict = %s err = %v", rep.Verdict, rep.Err)
	}
}
