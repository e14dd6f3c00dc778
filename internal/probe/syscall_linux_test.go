//go:build linux

package probe

import (
	"context"
	"testing"

	"github.com/Mearman/claudia/internal/types"
)

func TestSyscallProbes_Unconfined(t *testing.T) {
	// Calls no container runtime filters by default.
	for _, name := range []string{"getpid", "personality", "kill", "execve", "connect"} {
		t.Run(name, func(t *testing.T) {
			res := newTestEngine().Run(context.Background(), Case{Class: types.ClassSyscall, Target: name, Expected: types.EffectAllow})
			if res.Outcome != Allow {
				t.Errorf("%s: %s (err %v)", name, res.Outcome, res.Err)
			}
		})
	}
}

func TestSyscallProbes_Unknown(t *testing.T) {
	for _, target := range []string{"mount", "reboot", "not a syscall"} {
		res := newTestEngine().Run(context.Background(), Case{Class: types.ClassSyscall, Target: target, Expected: types.EffectDeny})
		if res.Outcome != Indeterminate {
			t.Errorf("%s: %s, want indeterminate", target, res.Outcome)
		}
	}
}

func TestSyscallProbes_ArgumentsIgnored(t *testing.T) {
	res := newTestEngine().Run(context.Background(), Case{Class: types.ClassSyscall, Target: "personality(4294967295)", Expected: types.EffectAllow})
	if res.Outcome != Allow {
		t.Errorf("outcome = %s (err %v)", res.Outcome, res.Err)
	}
}

func TestCapabilitySyscalls_HaveProbes(t *testing.T) {
	for capName, sc := range capabilitySyscalls {
		if _, ok := syscallProbes[sc]; !ok {
			t.Errorf("capability %s maps to %s, which has no probe", capName, sc)
		}
	}
}

func TestCapabilityProbe(t *testing.T) {
	e := newTestEngine()
	res := e.Run(context.Background(), Case{Class: types.ClassCapability, Target: "kill", Expected: types.EffectAllow})
	if res.Outcome != Allow {
		t.Errorf("kill: %s (err %v)", res.Outcome, res.Err)
	}
	res = e.Run(context.Background(), Case{Class: types.ClassCapability, Target: "module", Expected: types.EffectDeny})
	if res.Outcome != Indeterminate {
		t.Errorf("module: %s, want indeterminate", res.Outcome)
	}
}
