//go:build !unix && !windows

package scenario

func kernelVersion() string { return "" }
