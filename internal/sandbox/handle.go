package sandbox

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/types"
)

var installLog = logger.New("install")

// Handle is an installed restriction set. It is created once by Install and
// never modified; restrictions last for the lifetime of the target process.
type Handle struct {
	ID               uuid.UUID      `json:"id"`
	Platform         types.Platform `json:"platform"`
	Primitive        string         `json:"primitive"`
	PrimitiveVersion string         `json:"primitive_version,omitempty"`
	Policy           string         `json:"policy"`
	ProgramDigest    string         `json:"program_digest"`
	RuleCount        int            `json:"rule_count"`
	InstalledAt      time.Time      `json:"installed_at"`

	target *Target
	native any
}

// Target returns the process the handle restricts.
func (h *Handle) Target() *Target { return h.target }

// Native returns backend-specific state recorded at install time.
func (h *Handle) Native() any { return h.native }

func (h *Handle) String() string {
	return h.Primitive + " " + h.ID.String()
}

// Installer applies one platform's program. Backends implement it and
// delegate Install to InstallWith, which owns the target state machine.
type Installer interface {
	Platform() types.Platform
	// Available checks that the primitive can run prog without applying
	// anything. It returns the primitive name and version.
	Available(prog *Program) (primitive, version string, err error)
	// Apply restricts t. partial reports whether any restriction took effect
	// before a failure.
	Apply(t *Target, prog *Program) (native any, partial bool, err error)
}

// InstallWith runs the install sequence shared by every backend:
//  1. a target that was already claimed yields ErrAlreadySandboxed, whatever
//     else is wrong with the request
//  2. the program must be compiled for the installer's platform
//  3. a cancelled ctx stops the install before anything is applied
//  4. a missing or too old primitive yields ErrPlatformUnsupported and
//     leaves the target untouched
//  5. a failed application yields ErrInstall; if anything was applied the
//     target is poisoned
func InstallWith(ctx context.Context, in Installer, t *Target, cp *CompiledPolicy) (*Handle, error) {
	if t == nil {
		return nil, errdefs.New(errdefs.CodeInstall, "nil target")
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	platform := in.Platform()
	if cp == nil {
		return nil, errdefs.New(errdefs.CodeInstall, "nil compiled policy")
	}
	if cp.Platform() != platform {
		return nil, errdefs.New(errdefs.CodeInstall, "program compiled for %s cannot be installed by the %s backend", cp.Platform(), platform)
	}
	prog, err := cp.Program()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeInstall, err, "install cancelled before applying")
	}

	primitive, version, err := in.Available(prog)
	if err != nil {
		if errdefs.CodeOf(err) == "" {
			err = errdefs.Wrap(errdefs.CodePlatformUnsupported, err, "%s primitive unavailable", platform)
		}
		installLog.Warn("%s: %v", t, err)
		return nil, err
	}

	if err := t.claim(); err != nil {
		return nil, err
	}
	native, partial, err := in.Apply(t, prog)
	if err != nil {
		if partial {
			t.poison()
		} else {
			t.release()
		}
		var se *errdefs.Error
		if !errors.As(err, &se) {
			err = errdefs.Wrap(errdefs.CodeInstall, err, "applying %s program", primitive)
		}
		installLog.Error("%s: %v (partial=%v)", t, err, partial)
		return nil, err
	}

	h := &Handle{
		ID:               uuid.New(),
		Platform:         platform,
		Primitive:        primitive,
		PrimitiveVersion: version,
		Policy:           cp.Name(),
		ProgramDigest:    cp.Digest(),
		RuleCount:        cp.RuleCount(),
		InstalledAt:      time.Now(),
		target:           t,
		native:           native,
	}
	t.commit(h)
	installLog.Info("%s restricted by %s %s (policy %q, %d rules)", t, primitive, version, cp.Name(), cp.RuleCount())
	return h, nil
}

// requireSelf rejects targets other than the calling process.
func requireSelf(t *Target) error {
	if t.PID() != os.Getpid() {
		return errdefs.New(errdefs.CodeInstall, "target pid %d is not the calling process (%d)", t.PID(), os.Getpid())
	}
	return nil
}

// handleInstalled reports whether h is the committed handle of its target
// and was installed by a backend for platform.
func handleInstalled(h *Handle, platform types.Platform) bool {
	return h != nil && h.target != nil && h.Platform == platform && h.target.installed(h)
}
