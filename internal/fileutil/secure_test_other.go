//go:build !windows

package fileutil

import "testing"

func assertOwnerOnlyWindows(t *testing.T, _ string) {
	t.Helper()
}
