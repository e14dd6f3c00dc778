//go:build darwin && !cgo

package sandbox

import "github.com/Mearman/claudia/internal/types"

func newPlatformBackend() Backend {
	return NewUnsupported(types.PlatformDarwin, "Seatbelt needs sandbox_init from libSystem; rebuild with CGO_ENABLED=1")
}
