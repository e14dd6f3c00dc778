// Package types defines common type-safe enums used across the codebase.
package types

import (
	"fmt"
	"runtime"
	"strings"
)

// Effect is the outcome a rule assigns to a matching access.
// The zero value is not a valid Effect and is never treated as Allow.
type Effect string

const (
	// EffectAllow permits the access.
	EffectAllow Effect = "allow"
	// EffectDeny refuses the access.
	EffectDeny Effect = "deny"
)

// Valid returns true if the Effect is a known valid value.
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// ParseEffect converts a string to an Effect.
func ParseEffect(s string) (Effect, error) {
	switch Effect(strings.ToLower(strings.TrimSpace(s))) {
	case EffectAllow:
		return EffectAllow, nil
	case EffectDeny:
		return EffectDeny, nil
	}
	return "", fmt.Errorf("unknown effect %q (valid: allow, deny)", s)
}

// ResourceClass is the kind of resource a rule governs.
type ResourceClass string

const (
	// ClassFilesystem covers filesystem paths.
	ClassFilesystem ResourceClass = "filesystem"
	// ClassNetwork covers outbound network endpoints (host:port).
	ClassNetwork ResourceClass = "network"
	// ClassCapability covers named process capabilities (exec, ptrace, ...).
	ClassCapability ResourceClass = "capability"
	// ClassSyscall covers individual system calls.
	ClassSyscall ResourceClass = "syscall"
)

// AllClasses returns every resource class in canonical document order.
func AllClasses() []ResourceClass {
	return []ResourceClass{ClassFilesystem, ClassNetwork, ClassCapability, ClassSyscall}
}

// Valid returns true if the ResourceClass is a known valid value.
func (c ResourceClass) Valid() bool {
	switch c {
	case ClassFilesystem, ClassNetwork, ClassCapability, ClassSyscall:
		return true
	}
	return false
}

// ParseResourceClass converts a string to a ResourceClass.
func ParseResourceClass(s string) (ResourceClass, error) {
	c := ResourceClass(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown resource class %q (valid: filesystem, network, capability, syscall)", s)
	}
	return c, nil
}

// Platform identifies an enforcement target operating system.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
)

// AllPlatforms returns every platform with an enforcement backend.
func AllPlatforms() []Platform {
	return []Platform{PlatformLinux, PlatformDarwin, PlatformWindows}
}

// Valid returns true if the Platform is a known valid value.
func (p Platform) Valid() bool {
	return p == PlatformLinux || p == PlatformDarwin || p == PlatformWindows
}

// ParsePlatform converts a string to a Platform. "macos" is accepted for darwin.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linux":
		return PlatformLinux, nil
	case "darwin", "macos":
		return PlatformDarwin, nil
	case "windows":
		return PlatformWindows, nil
	}
	return "", fmt.Errorf("unknown platform %q (valid: linux, darwin, windows)", s)
}

// CurrentPlatform returns the platform of the running binary.
// The result is not Valid() on operating systems without a backend.
func CurrentPlatform() Platform {
	return Platform(runtime.GOOS)
}

// LogLevel represents a configured log verbosity.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Valid returns true if the LogLevel is known. Empty means the default (info).
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
		return true
	}
	return false
}
