//go:build !unix && !windows

package probe

func platformDenied(error) bool { return false }

func errnoName(error) string { return "" }
