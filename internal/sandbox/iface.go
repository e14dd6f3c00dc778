package sandbox

import (
	"context"

	"github.com/Mearman/claudia/internal/types"
)

// Backend applies compiled programs with one platform's primitive.
//
// Install must leave the target unrestricted when the primitive is missing
// (ErrPlatformUnsupported) and must poison it when application fails part
// way (ErrInstall). IsActive is false on every failure path.
type Backend interface {
	Platform() types.Platform
	Install(ctx context.Context, t *Target, cp *CompiledPolicy) (*Handle, error)
	IsActive(h *Handle) bool
	Describe(h *Handle) Diagnostic
}

// Diagnostic describes an installed restriction set for reports.
type Diagnostic struct {
	Platform         types.Platform    `json:"platform"`
	Primitive        string            `json:"primitive"`
	PrimitiveVersion string            `json:"primitive_version,omitempty"`
	Active           bool              `json:"active"`
	Details          map[string]string `json:"details,omitempty"`
}

// PrimitiveReporter reports the platform primitive available on this host
// without applying anything. Backends implement it to fill environment reports.
type PrimitiveReporter interface {
	Primitive() (name, version string, err error)
}
