package configuration

import (
	"runtime"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Mu-L/locust/internal/common/loadtesterrors"
)

// Normalize resolves derived settings before validation: headful wins over
// headless, headless implies autostart, and a worker has all settings that
// are meaningless for workers cleared.
func (c *Configuration) Normalize() {
	if c.Headful {
		c.Headless = false
	}
	if c.Headless {
		if c.Autostart {
			log.Info("The autostart flag is implied by headless mode, no need to set both")
		}
		c.Autostart = true
	}
	if c.Worker {
		if c.RunTime != 0 {
			log.Info("A run time limit specified for a worker node will be ignored")
		}
		if c.Autostart && !c.Headless {
			log.Info("The autostart flag has no meaning on a worker")
		}
		c.RunTime = 0
		c.Autostart = false
		c.CsvPrefix = ""
		c.ShapeFile = ""
	}
}

// Validate rejects invalid flag combinations before any process or task is
// created. All returned errors are of type ErrInvalidConfiguration, except
// for process splitting on an unsupported platform.
func (c *Configuration) Validate() error {
	if c.Master && c.Worker {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "master",
			Value:   true,
			Message: "cannot be combined with the worker flag",
		})
	}
	if c.Processes != 0 {
		if runtime.GOOS == "windows" {
			return errors.WithStack(&loadtesterrors.ErrPlatformUnsupported{
				Feature:  "process splitting",
				Platform: runtime.GOOS,
			})
		}
		if c.Processes < -1 {
			return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
				Name:    "processes",
				Value:   c.Processes,
				Message: "must be -1 (one per CPU), 0 (no splitting) or positive",
			})
		}
		if c.Master {
			return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
				Name:    "master",
				Value:   true,
				Message: "cannot be combined with process splitting; the coordinator role is implicit as long as the worker flag is not set",
			})
		}
	}
	if c.Autoquit != AutoquitDisabled && !c.Autostart {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "autoquit",
			Value:   c.Autoquit,
			Message: "only meaningful in combination with autostart",
		})
	}
	if c.RunTime != 0 && !c.Autostart && !c.Worker {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "runTime",
			Value:   c.RunTime.String(),
			Message: "a run time limit without autostart would never fire",
		})
	}
	if c.RunTime < 0 {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "runTime",
			Value:   c.RunTime.String(),
			Message: "must be non-negative",
		})
	}
	if c.ShapeFile != "" && c.RunTime != 0 {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "shapeFile",
			Value:   c.ShapeFile,
			Message: "a ramp shape program drives start and stop itself; a run time limit cannot also be set",
		})
	}
	if c.Master && c.ExpectWorkers < 1 {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "expectWorkers",
			Value:   c.ExpectWorkers,
			Message: "must be a positive number",
		})
	}
	if (c.Master || c.Worker || c.Processes != 0) && c.RegistryAddress == "" {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "registryAddress",
			Value:   "",
			Message: "distributed runs need a worker registry address",
		})
	}
	if c.ExitCodeOnError < 0 {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "exitCodeOnError",
			Value:   c.ExitCodeOnError,
			Message: "must be non-negative",
		})
	}
	if c.Users < 0 {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "users",
			Value:   c.Users,
			Message: "must be non-negative",
		})
	}
	if c.SpawnRate < 0 {
		return errors.WithStack(&loadtesterrors.ErrInvalidConfiguration{
			Name:    "spawnRate",
			Value:   c.SpawnRate,
			Message: "must be non-negative",
		})
	}
	return nil
}

// ResolveProcessCount maps the requested process count to a concrete number
// of children, treating -1 as one process per CPU.
func (c *Configuration) ResolveProcessCount() int {
	if c.Processes == -1 {
		return runtime.NumCPU()
	}
	return c.Processes
}
