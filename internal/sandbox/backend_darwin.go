//go:build darwin && cgo

package sandbox

/*
#include <stdint.h>
#include <stdlib.h>
#include <unistd.h>

int sandbox_init(const char *profile, uint64_t flags, char **errorbuf);
void sandbox_free_error(char *errorbuf);
int sandbox_check(pid_t pid, const char *operation, int type, ...);

static int sandbox_check_self(void) {
	return sandbox_check(getpid(), NULL, 0);
}
*/
import "C"

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/types"
)

var seatbeltLog = logger.New("seatbelt")

type seatbeltBackend struct{}

func newPlatformBackend() Backend {
	return &seatbeltBackend{}
}

func (b *seatbeltBackend) Platform() types.Platform { return types.PlatformDarwin }

func (b *seatbeltBackend) Install(ctx context.Context, t *Target, cp *CompiledPolicy) (*Handle, error) {
	return InstallWith(ctx, b, t, cp)
}

func (b *seatbeltBackend) Primitive() (string, string, error) {
	version, err := unix.Sysctl("kern.osproductversion")
	if err != nil {
		version = ""
	}
	return "seatbelt", version, nil
}

func (b *seatbeltBackend) Available(*Program) (string, string, error) {
	return b.Primitive()
}

func (b *seatbeltBackend) Apply(t *Target, prog *Program) (any, bool, error) {
	if err := requireSelf(t); err != nil {
		return nil, false, err
	}
	profile := C.CString(prog.Darwin.Profile)
	defer C.free(unsafe.Pointer(profile))

	var errbuf *C.char
	// sandbox_init applies the whole profile or nothing.
	if rc := C.sandbox_init(profile, 0, &errbuf); rc != 0 {
		msg := "sandbox_init failed"
		if errbuf != nil {
			msg = C.GoString(errbuf)
			C.sandbox_free_error(errbuf)
		}
		return nil, false, errors.New(strings.TrimSpace(msg))
	}
	seatbeltLog.Debug("profile applied (%d lines)", strings.Count(prog.Darwin.Profile, "\n"))
	return prog.Darwin, false, nil
}

func (b *seatbeltBackend) IsActive(h *Handle) bool {
	if !handleInstalled(h, types.PlatformDarwin) {
		return false
	}
	return C.sandbox_check_self() != 0
}

func (b *seatbeltBackend) Describe(h *Handle) Diagnostic {
	d := Diagnostic{Platform: types.PlatformDarwin, Primitive: "seatbelt", Active: b.IsActive(h)}
	if h == nil {
		return d
	}
	d.PrimitiveVersion = h.PrimitiveVersion
	if sp, ok := h.native.(*SeatbeltProgram); ok {
		d.Details = map[string]string{
			"profile_lines": strconv.Itoa(strings.Count(sp.Profile, "\n")),
		}
	}
	return d
}
