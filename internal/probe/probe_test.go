package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"success", nil, Allow},
		{"EACCES", syscall.EACCES, Deny},
		{"EPERM", syscall.EPERM, Deny},
		{"path error", &fs.PathError{Op: "open", Path: "/etc/shadow", Err: syscall.EACCES}, Deny},
		{"syscall error", os.NewSyscallError("connect", syscall.EPERM), Deny},
		{"fs.ErrPermission", fmt.Errorf("wrapped: %w", fs.ErrPermission), Deny},
		{"not found", &fs.PathError{Op: "open", Path: "/nope", Err: syscall.ENOENT}, Indeterminate},
		{"timeout", context.DeadlineExceeded, Indeterminate},
		{"refused", syscall.ECONNREFUSED, Indeterminate},
		{"no probe", fmt.Errorf("x: %w", errIndeterminate), Indeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransient(t *testing.T) {
	for _, err := range []error{syscall.EINTR, syscall.EAGAIN, syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS} {
		if !transient(&fs.PathError{Op: "open", Path: "x", Err: err}) {
			t.Errorf("%v not transient", err)
		}
	}
	for _, err := range []error{syscall.EACCES, syscall.ENOENT, errors.New("other")} {
		if transient(err) {
			t.Errorf("%v transient", err)
		}
	}
}

func TestCaseValidate(t *testing.T) {
	tests := []struct {
		name string
		c    Case
		ok   bool
	}{
		{"read", Case{Class: types.ClassFilesystem, Target: "/etc/passwd", Expected: types.EffectDeny}, true},
		{"write", Case{Class: types.ClassFilesystem, Op: OpWrite, Target: "/tmp/x", Expected: types.EffectAllow}, true},
		{"connect", Case{Class: types.ClassNetwork, Target: "example.com:443", Expected: types.EffectDeny}, true},
		{"wrong op for class", Case{Class: types.ClassNetwork, Op: OpRead, Target: "x:1", Expected: types.EffectDeny}, false},
		{"empty target", Case{Class: types.ClassFilesystem, Expected: types.EffectDeny}, false},
		{"no expectation", Case{Class: types.ClassFilesystem, Target: "/etc"}, false},
		{"unknown class", Case{Class: "registry", Target: "HKLM", Expected: types.EffectDeny}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, errdefs.ErrInvalidRule) {
				t.Errorf("want ErrInvalidRule, got %v", err)
			}
		})
	}
}

func TestCaseOperationDefaults(t *testing.T) {
	want := map[types.ResourceClass]Op{
		types.ClassFilesystem: OpRead,
		types.ClassNetwork:    OpConnect,
		types.ClassCapability: OpCapability,
		types.ClassSyscall:    OpSyscall,
	}
	for class, op := range want {
		if got := (Case{Class: class}).Operation(); got != op {
			t.Errorf("%s: default op %s, want %s", class, got, op)
		}
	}
}

func TestResult_Matches(t *testing.T) {
	if !(Result{Outcome: Deny}).Matches(types.EffectDeny) {
		t.Error("Deny does not match deny")
	}
	if (Result{Outcome: Allow}).Matches(types.EffectDeny) {
		t.Error("Allow matches deny")
	}
	for _, e := range []types.Effect{types.EffectAllow, types.EffectDeny} {
		if (Result{Outcome: Indeterminate}).Matches(e) {
			t.Errorf("Indeterminate matches %s", e)
		}
	}
}

func TestResult_JSON(t *testing.T) {
	r := Result{Outcome: Deny, Latency: 1500 * time.Microsecond, Err: syscall.EACCES, Errno: "EACCES", Attempts: 1}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["outcome"] != "deny" || got["latency_ms"] != 1.5 || got["errno"] != "EACCES" || got["error"] == nil {
		t.Errorf("JSON = %s", data)
	}
}

func newTestEngine() *Engine {
	return New(Options{ConnectTimeout: 2 * time.Second, ExecTimeout: 2 * time.Second, RetryTransient: true})
}

func TestRun_Read(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "data")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine()

	tests := []struct {
		name   string
		target string
		want   Outcome
	}{
		{"file", file, Allow},
		{"directory", dir, Allow},
		{"missing file is indeterminate", filepath.Join(dir, "missing"), Indeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Run(context.Background(), Case{Class: types.ClassFilesystem, Target: tt.target, Expected: types.EffectAllow})
			if res.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s (err %v)", res.Outcome, tt.want, res.Err)
			}
			if res.Outcome == Indeterminate && !errors.Is(res.Err, errdefs.ErrProbeIndeterminate) {
				t.Errorf("indeterminate result carries %v", res.Err)
			}
		})
	}
}

func TestRun_ReadPermissionDenied(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes do not deny reads on windows")
	}
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file modes")
	}
	file := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(file, []byte("x"), 0o000); err != nil {
		t.Fatal(err)
	}
	res := newTestEngine().Run(context.Background(), Case{Class: types.ClassFilesystem, Target: file, Expected: types.EffectDeny})
	if res.Outcome != Deny {
		t.Fatalf("outcome = %s, want deny (err %v)", res.Outcome, res.Err)
	}
	if res.Errno != "EACCES" {
		t.Errorf("errno = %q", res.Errno)
	}
	if !res.Matches(types.EffectDeny) {
		t.Error("Matches(deny) = false")
	}
}

func TestRun_WriteCleansUp(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine()

	existing := filepath.Join(dir, "existing")
	if err := os.WriteFile(existing, []byte("keep"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, target := range []string{filepath.Join(dir, "new"), existing, dir} {
		res := e.Run(context.Background(), Case{Class: types.ClassFilesystem, Op: OpWrite, Target: target, Expected: types.EffectAllow})
		if res.Outcome != Allow {
			t.Errorf("write %s: outcome %s (err %v)", target, res.Outcome, res.Err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "existing" {
		var names []string
		for _, en := range entries {
			names = append(names, en.Name())
		}
		t.Errorf("probe left files behind: %v", names)
	}
	data, _ := os.ReadFile(existing)
	if string(data) != "keep" {
		t.Errorf("existing file modified: %q", data)
	}

	// Repeated runs observe the same outcome.
	for i := 0; i < 3; i++ {
		res := e.Run(context.Background(), Case{Class: types.ClassFilesystem, Op: OpWrite, Target: filepath.Join(dir, "new"), Expected: types.EffectAllow})
		if res.Outcome != Allow {
			t.Fatalf("run %d: %s", i, res.Outcome)
		}
	}
}

func TestRun_Connect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	e := newTestEngine()
	res := e.Run(context.Background(), Case{Class: types.ClassNetwork, Target: ln.Addr().String(), Expected: types.EffectAllow})
	if res.Outcome != Allow {
		t.Fatalf("connect to listener: %s (err %v)", res.Outcome, res.Err)
	}

	// A closed port is refused by the peer, not by a policy.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := closed.Addr().String()
	closed.Close()
	res = e.Run(context.Background(), Case{Class: types.ClassNetwork, Target: addr, Expected: types.EffectDeny})
	if res.Outcome != Indeterminate {
		t.Errorf("refused connect: %s, want indeterminate", res.Outcome)
	}
}

func TestRun_ConnectWildcardTarget(t *testing.T) {
	res := newTestEngine().Run(context.Background(), Case{Class: types.ClassNetwork, Target: "*:443", Expected: types.EffectDeny})
	if res.Outcome != Indeterminate {
		t.Errorf("outcome = %s, want indeterminate", res.Outcome)
	}
}

func TestPrepare_SkipsLiteralsAndCaches(t *testing.T) {
	e := newTestEngine()
	e.Prepare(context.Background(), []Case{
		{Class: types.ClassNetwork, Target: "127.0.0.1:80", Expected: types.EffectDeny},
		{Class: types.ClassNetwork, Target: "localhost:80", Expected: types.EffectDeny},
		{Class: types.ClassFilesystem, Target: "/etc", Expected: types.EffectDeny},
	})
	if _, ok := e.lookup("127.0.0.1"); ok {
		t.Error("IP literal was resolved")
	}
	if ips, ok := e.lookup("localhost"); ok && len(ips) == 0 {
		t.Error("localhost cached with no addresses")
	}
}

func TestRun_Execute(t *testing.T) {
	var ok string
	switch runtime.GOOS {
	case "windows":
		ok = "cmd.exe /c exit 0"
	default:
		path, err := exec.LookPath("sh")
		if err != nil {
			t.Skip("no sh")
		}
		ok = path + ` -c "exit 0"`
	}
	e := newTestEngine()
	res := e.Run(context.Background(), Case{Class: types.ClassFilesystem, Op: OpExecute, Target: ok, Expected: types.EffectAllow})
	if res.Outcome != Allow {
		t.Errorf("execute %q: %s (err %v)", ok, res.Outcome, res.Err)
	}
	if !strings.HasPrefix(res.Detail, "started pid") {
		t.Errorf("detail = %q", res.Detail)
	}

	missing := filepath.Join(t.TempDir(), "no-such-binary")
	res = e.Run(context.Background(), Case{Class: types.ClassFilesystem, Op: OpExecute, Target: missing, Expected: types.EffectDeny})
	if res.Outcome != Indeterminate {
		t.Errorf("missing binary: %s, want indeterminate", res.Outcome)
	}
}

func TestRun_ExecuteDeniedByMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes do not deny execution on windows")
	}
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file modes")
	}
	script := filepath.Join(t.TempDir(), "noexec.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	res := newTestEngine().Run(context.Background(), Case{Class: types.ClassFilesystem, Op: OpExecute, Target: script, Expected: types.EffectDeny})
	if res.Outcome != Deny {
		t.Errorf("outcome = %s, want deny (err %v)", res.Outcome, res.Err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newTestEngine().Run(ctx, Case{Class: types.ClassFilesystem, Target: "/", Expected: types.EffectAllow})
	if res.Outcome != Indeterminate || res.Attempts != 0 {
		t.Errorf("cancelled run = %+v", res)
	}
}

func TestRun_InvalidCase(t *testing.T) {
	res := newTestEngine().Run(context.Background(), Case{Class: types.ClassNetwork, Op: OpWrite, Target: "x:1", Expected: types.EffectDeny})
	if res.Outcome != Indeterminate || !errors.Is(res.Err, errdefs.ErrInvalidRule) {
		t.Errorf("invalid case = %+v", res)
	}
}

func TestNew_Defaults(t *testing.T) {
	e := New(Options{})
	if e.Options().ConnectTimeout != 3*time.Second || e.Options().ExecTimeout != 5*time.Second {
		t.Errorf("defaults = %+v", e.Options())
	}
}
