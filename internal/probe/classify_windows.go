//go:build windows

package probe

import (
	"errors"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// deniedErrnos are refusals that do not match fs.ErrPermission. A job with an
// active process limit fails CreateProcess with ERROR_NOT_ENOUGH_QUOTA.
var deniedErrnos = []syscall.Errno{
	windows.ERROR_PRIVILEGE_NOT_HELD,
	windows.ERROR_NOT_ENOUGH_QUOTA,
}

func platformDenied(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	for _, d := range deniedErrnos {
		if errno == d {
			return true
		}
	}
	return false
}

// errnoNames names the errnos a refused or failed operation usually carries.
var errnoNames = map[syscall.Errno]string{
	windows.ERROR_FILE_NOT_FOUND:     "ERROR_FILE_NOT_FOUND",
	windows.ERROR_PATH_NOT_FOUND:     "ERROR_PATH_NOT_FOUND",
	windows.ERROR_ACCESS_DENIED:      "ERROR_ACCESS_DENIED",
	windows.ERROR_INVALID_HANDLE:     "ERROR_INVALID_HANDLE",
	windows.ERROR_WRITE_PROTECT:      "ERROR_WRITE_PROTECT",
	windows.ERROR_SHARING_VIOLATION:  "ERROR_SHARING_VIOLATION",
	windows.ERROR_LOCK_VIOLATION:     "ERROR_LOCK_VIOLATION",
	windows.ERROR_PRIVILEGE_NOT_HELD: "ERROR_PRIVILEGE_NOT_HELD",
	windows.ERROR_NOT_ENOUGH_QUOTA:   "ERROR_NOT_ENOUGH_QUOTA",
	windows.ERROR_ELEVATION_REQUIRED: "ERROR_ELEVATION_REQUIRED",
	windows.WSAEACCES:                "WSAEACCES",
	windows.WSAECONNREFUSED:          "WSAECONNREFUSED",
}

func errnoName(err error) string {
	var errno syscall.Errno
	if err == nil || !errors.As(err, &errno) {
		return ""
	}
	if name, ok := errnoNames[errno]; ok {
		return name
	}
	return "ERROR_" + strconv.FormatUint(uint64(errno), 10)
}
