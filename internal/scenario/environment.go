package scenario

import (
	"runtime"

	"github.com/Mearman/claudia/internal/sandbox"
	"github.com/Mearman/claudia/internal/types"
)

// Environment is the host metadata the harness needs to judge a suite.
type Environment struct {
	OS               string         `json:"os"`
	Arch             string         `json:"arch"`
	Kernel           string         `json:"kernel,omitempty"`
	GoVersion        string         `json:"go_version"`
	Platform         types.Platform `json:"platform"`
	Primitive        string         `json:"primitive,omitempty"`
	PrimitiveVersion string         `json:"primitive_version,omitempty"`
	// PrimitiveError explains why no primitive is available.
	PrimitiveError string `json:"primitive_error,omitempty"`
}

// DetectEnvironment describes the running host and backend b.
func DetectEnvironment(b sandbox.Backend) Environment {
	env := Environment{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Kernel:    kernelVersion(),
		GoVersion: runtime.Version(),
		Platform:  b.Platform(),
	}
	if pr, ok := b.(sandbox.PrimitiveReporter); ok {
		name, version, err := pr.Primitive()
		env.Primitive = name
		env.PrimitiveVersion = version
		if err != nil {
			env.PrimitiveError = err.Error()
		}
	}
	return env
}
