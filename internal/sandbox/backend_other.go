//go:build !linux && !darwin && !windows

package sandbox

import (
	"runtime"

	"github.com/Mearman/claudia/internal/types"
)

func newPlatformBackend() Backend {
	return NewUnsupported(types.CurrentPlatform(), "no sandbox primitive on "+runtime.GOOS)
}
