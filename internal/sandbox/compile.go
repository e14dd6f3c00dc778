package sandbox

import (
	"fmt"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/policy"
	"github.com/Mearman/claudia/internal/types"
)

var compileLog = logger.New("compiler")

// Compile translates p into an enforcement program for platform.
//
// Compile is pure: it reads only p and platform, and identical inputs yield
// byte-identical programs. Any rule the platform primitive cannot express
// exactly makes Compile fail with errdefs.ErrUnsupportedResource naming that
// rule; rules are never dropped or weakened.
func Compile(p *policy.Policy, platform types.Platform) (*CompiledPolicy, error) {
	if p == nil {
		return nil, fmt.Errorf("compile: nil policy")
	}
	prog := &Program{Version: programVersion, Platform: platform}
	var err error
	switch platform {
	case types.PlatformLinux:
		prog.Linux, err = compileLandlock(p)
	case types.PlatformDarwin:
		prog.Darwin, err = compileSeatbelt(p)
	case types.PlatformWindows:
		prog.Windows, err = compileJobObject(p)
	default:
		return nil, errdefs.New(errdefs.CodePlatformUnsupported, "no enforcement backend for platform %q", platform)
	}
	if err != nil {
		compileLog.Debug("policy %q rejected for %s: %v", p.Name(), platform, err)
		return nil, err
	}

	cp, err := newCompiledPolicy(p, prog)
	if err != nil {
		return nil, err
	}
	compileLog.Debug("compiled %s", cp)
	return cp, nil
}

// unsupported reports a rule the platform primitive cannot express.
func unsupported(platform types.Platform, r policy.Rule, index int, format string, args ...any) error {
	return errdefs.ForRule(errdefs.CodeUnsupportedResource, policy.Ref(r, index),
		"%s: %s", platform, fmt.Sprintf(format, args...))
}
