//go:build !linux

package probe

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

func invokeSyscall(name string) (string, error) {
	return "", fmt.Errorf("syscall probes are not available on %s (%s): %w", runtime.GOOS, name, errIndeterminate)
}

// trivialCommand is a process that exits immediately.
func trivialCommand() (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", []string{"/c", "exit", "0"}
	}
	return "/usr/bin/true", nil
}

// probeCapability probes child creation by starting a trivial process. Other
// capabilities have no side-effect-free probe here.
func probeCapability(ctx context.Context, name string, timeout time.Duration) (string, error) {
	switch name {
	case "exec", "spawn":
		cmd, args := trivialCommand()
		detail, err := startAndReap(ctx, timeout, cmd, args...)
		if err != nil {
			return "", err
		}
		return "capability " + name + ": " + detail, nil
	}
	return "", fmt.Errorf("no side-effect-free probe for capability %q on %s: %w", name, runtime.GOOS, errIndeterminate)
}
