//go:build unix

package common

import (
	"syscall"

	log "github.com/sirupsen/logrus"
)

const minimumOpenFileLimit = 10000

// RaiseOpenFileLimit lifts the soft open-file limit to a level suitable for
// load testing. Best effort: not every OS allows a running process to raise
// its own limit, and we are no worse off for trying.
func RaiseOpenFileLimit() {
	var limits syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limits); err != nil {
		log.WithError(err).Debug("Could not read open file limit")
		return
	}
	if limits.Cur >= minimumOpenFileLimit {
		return
	}
	requested := limits
	requested.Cur = minimumOpenFileLimit
	if requested.Cur > limits.Max {
		requested.Cur = limits.Max
	}
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &requested); err != nil {
		log.Warnf("System open file limit %d is below the recommended %d and could not be raised: %v",
			limits.Cur, minimumOpenFileLimit, err)
	}
}
