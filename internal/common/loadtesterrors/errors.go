// Package loadtesterrors contains the error types raised by the lifecycle
// orchestrator. Configuration and platform errors are resolved at the process
// boundary before any background task is created; they never enter the task
// supervisor.
//
// If multiple errors occur during teardown, they are aggregated into an error
// of type multierror.Error from github.com/hashicorp/go-multierror.
package loadtesterrors

import (
	"fmt"
	"time"
)

// ErrInvalidConfiguration represents an invalid combination of command line
// flags or config file values. It is always fatal and causes exit code 1.
type ErrInvalidConfiguration struct {
	// Flag or config key, e.g., "processes"
	Name string
	// The offending value
	Value interface{}
	// Why the value was rejected
	Message string
}

func (err *ErrInvalidConfiguration) Error() string {
	return fmt.Sprintf("invalid configuration %s=%v: %s", err.Name, err.Value, err.Message)
}

// ErrPlatformUnsupported is returned when a requested feature is unavailable
// on the host platform, e.g., process splitting on Windows.
type ErrPlatformUnsupported struct {
	Feature  string
	Platform string
}

func (err *ErrPlatformUnsupported) Error() string {
	return fmt.Sprintf("%s is not supported on %s", err.Feature, err.Platform)
}

// ErrWorkerTimeout is returned when the expected number of remote workers did
// not become ready within the configured maximum wait.
type ErrWorkerTimeout struct {
	Expected int
	Ready    int
	Waited   time.Duration
}

func (err *ErrWorkerTimeout) Error() string {
	return fmt.Sprintf("gave up waiting for workers to connect: %d of %d ready after %s",
		err.Ready, err.Expected, err.Waited)
}
