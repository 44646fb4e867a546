//go:build windows

package common

// RaiseOpenFileLimit is a no-op on Windows, which has no rlimit mechanism.
func RaiseOpenFileLimit() {}
