package sandbox

import (
	"context"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/types"
)

// Detect returns the enforcement backend for the running operating system.
func Detect() Backend {
	return newPlatformBackend()
}

// UnsupportedBackend is the backend for hosts without a usable primitive.
// Every Install fails with ErrPlatformUnsupported and applies nothing.
type UnsupportedBackend struct {
	platform types.Platform
	reason   string
}

// NewUnsupported returns a backend that refuses every install for reason.
func NewUnsupported(platform types.Platform, reason string) *UnsupportedBackend {
	return &UnsupportedBackend{platform: platform, reason: reason}
}

func (b *UnsupportedBackend) Platform() types.Platform { return b.platform }

func (b *UnsupportedBackend) Install(ctx context.Context, t *Target, cp *CompiledPolicy) (*Handle, error) {
	return InstallWith(ctx, b, t, cp)
}

func (b *UnsupportedBackend) Available(*Program) (string, string, error) {
	return "", "", errdefs.New(errdefs.CodePlatformUnsupported, "%s", b.reason)
}

func (b *UnsupportedBackend) Apply(*Target, *Program) (any, bool, error) {
	return nil, false, errdefs.New(errdefs.CodePlatformUnsupported, "%s", b.reason)
}

func (b *UnsupportedBackend) IsActive(*Handle) bool { return false }

func (b *UnsupportedBackend) Describe(*Handle) Diagnostic {
	return Diagnostic{
		Platform:  b.platform,
		Primitive: "none",
		Details:   map[string]string{"reason": b.reason},
	}
}

func (b *UnsupportedBackend) Primitive() (string, string, error) {
	return "none", "", errdefs.New(errdefs.CodePlatformUnsupported, "%s", b.reason)
}
