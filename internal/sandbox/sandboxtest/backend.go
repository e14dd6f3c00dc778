// Package sandboxtest provides an in-memory sandbox backend for tests that
// exercise the install state machine without restricting the test process.
package sandboxtest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/sandbox"
	"github.com/Mearman/claudia/internal/types"
)

// Backend records installs instead of applying them.
type Backend struct {
	platform types.Platform

	mu          sync.Mutex
	unsupported bool
	applyErr    error
	partial     bool
	installed   map[uuid.UUID]*sandbox.Program
}

// New returns a fake backend that accepts programs compiled for platform.
func New(platform types.Platform) *Backend {
	return &Backend{platform: platform, installed: make(map[uuid.UUID]*sandbox.Program)}
}

// SetUnsupported makes every later install fail with ErrPlatformUnsupported.
func (b *Backend) SetUnsupported(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsupported = v
}

// FailApply makes every later install fail while applying. partial selects
// whether the failure happens after restrictions took effect.
func (b *Backend) FailApply(err error, partial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyErr = err
	b.partial = partial
}

// Installs returns the number of successful installs.
func (b *Backend) Installs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.installed)
}

// ProgramFor returns the program recorded for h.
func (b *Backend) ProgramFor(h *sandbox.Handle) (*sandbox.Program, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.installed[h.ID]
	return p, ok
}

func (b *Backend) Platform() types.Platform { return b.platform }

func (b *Backend) Install(ctx context.Context, t *sandbox.Target, cp *sandbox.CompiledPolicy) (*sandbox.Handle, error) {
	h, err := sandbox.InstallWith(ctx, b, t, cp)
	if err != nil {
		return nil, err
	}
	prog, _ := cp.Program()
	b.mu.Lock()
	b.installed[h.ID] = prog
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) Primitive() (string, string, error) {
	return "fake", "1", nil
}

func (b *Backend) Available(*sandbox.Program) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsupported {
		return "", "", errdefs.New(errdefs.CodePlatformUnsupported, "fake primitive disabled")
	}
	return "fake", "1", nil
}

func (b *Backend) Apply(*sandbox.Target, *sandbox.Program) (any, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applyErr != nil {
		return nil, b.partial, b.applyErr
	}
	return nil, false, nil
}

func (b *Backend) IsActive(h *sandbox.Handle) bool {
	if h == nil || h.Target() == nil || h.Target().Handle() != h {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.installed[h.ID]
	return ok
}

func (b *Backend) Describe(h *sandbox.Handle) sandbox.Diagnostic {
	d := sandbox.Diagnostic{Platform: b.platform, Primitive: "fake", PrimitiveVersion: "1", Active: b.IsActive(h)}
	if prog, ok := b.ProgramFor(h); ok && prog.Linux != nil {
		d.Details = map[string]string{"paths": joinPaths(prog.Linux.Paths)}
	}
	return d
}

func joinPaths(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
