//go:build linux

package sandbox

import (
	"strconv"
	"testing"

	"github.com/Mearman/claudia/internal/types"
)

func TestLandlockDescribe_Details(t *testing.T) {
	lp := &LandlockProgram{
		Paths:        []string{"/tmp", "/nonexistent/work"},
		DenySyscalls: []string{"ptrace", "no_such_call"},
	}
	tests := []struct {
		name  string
		state *linuxState
		want  map[string]string
		unset []string
	}{
		{
			name:  "clean install",
			state: &linuxState{abi: 3, program: lp, seccomp: true},
			want: map[string]string{
				"paths":              "/tmp,/nonexistent/work",
				"denied_syscalls":    "2",
				"handled_syscalls":   strconv.Itoa(len(HandledSyscalls())),
				"unhandled_syscalls": unhandledSyscalls,
			},
			unset: []string{"missing_paths", "undefined_syscalls"},
		},
		{
			name: "missing path and undefined syscall",
			state: &linuxState{abi: 3, program: lp, seccomp: true,
				missingPaths: []string{"/nonexistent/work"}, skippedSyscalls: []string{"no_such_call"}},
			want: map[string]string{
				"missing_paths":      "/nonexistent/work",
				"undefined_syscalls": "no_such_call",
				"denied_syscalls":    "1",
				"unhandled_syscalls": unhandledSyscalls,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Handle{Platform: types.PlatformLinux, PrimitiveVersion: "abi-3", native: tt.state}
			d := (&landlockBackend{}).Describe(h)
			if d.Active {
				t.Error("uncommitted handle reported active")
			}
			for k, v := range tt.want {
				if d.Details[k] != v {
					t.Errorf("%s = %q, want %q", k, d.Details[k], v)
				}
			}
			for _, k := range tt.unset {
				if _, ok := d.Details[k]; ok {
					t.Errorf("%s set: %q", k, d.Details[k])
				}
			}
		})
	}
}
