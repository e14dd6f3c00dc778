package sandbox

import (
	"os"
	"strconv"
	"sync"

	"github.com/Mearman/claudia/internal/errdefs"
)

type targetState int

const (
	targetFresh targetState = iota
	targetInstalling
	targetInstalled
	targetPoisoned
)

func (s targetState) String() string {
	switch s {
	case targetFresh:
		return "fresh"
	case targetInstalling:
		return "installing"
	case targetInstalled:
		return "installed"
	case targetPoisoned:
		return "poisoned"
	}
	return "unknown"
}

// Target is a process that has not yet been restricted. Restrictions are
// irreversible, so a Target accepts at most one successful Install; after a
// failed partial install it is poisoned and accepts none.
type Target struct {
	pid int

	mu     sync.Mutex
	state  targetState
	handle *Handle
}

var (
	self     *Target
	selfOnce sync.Once
)

// Self returns the Target for the calling process.
func Self() *Target {
	selfOnce.Do(func() {
		self = NewTarget(os.Getpid())
	})
	return self
}

// NewTarget returns a fresh Target for pid. Real backends only restrict the
// calling process; other pids are for launchers and test backends.
func NewTarget(pid int) *Target {
	return &Target{pid: pid}
}

// PID returns the target process id.
func (t *Target) PID() int { return t.pid }

// Handle returns the installed handle, or nil.
func (t *Target) Handle() *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// Sandboxed reports whether an install succeeded or left restrictions behind.
func (t *Target) Sandboxed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == targetInstalled || t.state == targetPoisoned
}

func (t *Target) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return "pid " + strconv.Itoa(t.pid) + " (" + t.state.String() + ")"
}

// check returns ErrAlreadySandboxed unless the target is fresh.
func (t *Target) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != targetFresh {
		return errdefs.New(errdefs.CodeAlreadySandboxed, "target pid %d is %s", t.pid, t.state)
	}
	return nil
}

// claim moves a fresh target to installing.
func (t *Target) claim() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != targetFresh {
		return errdefs.New(errdefs.CodeAlreadySandboxed, "target pid %d is %s", t.pid, t.state)
	}
	t.state = targetInstalling
	return nil
}

// release returns a claimed target to fresh when nothing was applied.
func (t *Target) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == targetInstalling {
		t.state = targetFresh
	}
}

func (t *Target) poison() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = targetPoisoned
}

func (t *Target) commit(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = targetInstalled
	t.handle = h
}

func (t *Target) installed(h *Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == targetInstalled && t.handle == h
}
