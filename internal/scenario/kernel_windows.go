//go:build windows

package scenario

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func kernelVersion() string {
	v := windows.RtlGetVersion()
	return fmt.Sprintf("Windows NT %d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
}
