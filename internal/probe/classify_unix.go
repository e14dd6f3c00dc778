//go:build unix

package probe

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// platformDenied reports permission outcomes that fs.ErrPermission misses.
// On Unix EACCES and EPERM already match it.
func platformDenied(error) bool { return false }

func errnoName(err error) string {
	var errno syscall.Errno
	if err == nil || !errors.As(err, &errno) {
		return ""
	}
	if name := unix.ErrnoName(errno); name != "" {
		return name
	}
	return errno.Error()
}
