package orchestrator

import (
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/Mu-L/locust/internal/common/task"
	"github.com/Mu-L/locust/internal/configuration"
	"github.com/Mu-L/locust/internal/engine"
	"github.com/Mu-L/locust/internal/events"
	"github.com/Mu-L/locust/internal/runcontrol"
	"github.com/Mu-L/locust/internal/stats"
	"github.com/Mu-L/locust/internal/topology"
)

// How long StopAll waits for tasks to finish before the process exits anyway.
const taskDrainTimeout = 1 * time.Second

// ShutdownCoordinator is the single exit point of the process. Shutdown runs
// a fixed teardown sequence and terminates with the computed exit code; it is
// effective at most once, and no teardown failure propagates past it.
type ShutdownCoordinator struct {
	once sync.Once

	config       *configuration.Configuration
	bus          *events.Bus
	supervisor   *task.Supervisor
	runner       engine.Runner
	requestStats *stats.RequestStats
	controller   *runcontrol.Controller
	children     *topology.Manager
	out          io.Writer
	exit         func(int)

	mu               sync.Mutex
	explicitExitCode *int
	teardownErrs     *multierror.Error
}

// SetProcessExitCode lets a collaborator force the process exit code,
// signalling a fatal condition it has already reported itself. The explicit
// code wins over every other exit code source and suppresses the final
// statistics output.
func (s *ShutdownCoordinator) SetProcessExitCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.explicitExitCode = &code
}

// exitCode applies the precedence rules: explicit code, then the configured
// exit-code-on-error when the engine recorded request errors or exceptions,
// then the fixed task-fault code, then success.
func (s *ShutdownCoordinator) exitCode() (code int, explicit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.explicitExitCode != nil:
		return *s.explicitExitCode, true
	case s.runner.ErrorCount() > 0 || s.runner.ExceptionCount() > 0:
		return s.config.ExitCodeOnError, false
	case s.supervisor.Faulted():
		return task.ExitCodeTaskFault, false
	default:
		return 0, false
	}
}

// Shutdown fires the quitting lifecycle, computes the exit disposition,
// emits final statistics and terminates the process.
func (s *ShutdownCoordinator) Shutdown() {
	s.once.Do(func() {
		log.Debug("Running teardowns...")

		s.safely("cancel input listener", func() error {
			s.supervisor.Cancel("input-listener")
			return nil
		})

		s.safely("quitting notifications", func() error {
			return s.bus.Fire(events.PhaseQuitting, nil)
		})

		code, explicit := s.exitCode()
		log.Infof("Shutting down (exit code %d)", code)

		s.safely("cancel run tasks", func() error {
			s.supervisor.Cancel("stats-printer")
			s.supervisor.Cancel("run-time-limit")
			s.supervisor.Cancel("autostart")
			if s.controller != nil && s.controller.TimersArmed() {
				s.controller.MarkTerminated()
			}
			return nil
		})

		s.safely("quit engine", func() error {
			log.Debug("Cleaning up runner...")
			s.runner.Quit()
			return nil
		})

		if !explicit {
			s.writeFinalStats()
		}

		s.safely("quit notifications", func() error {
			return s.bus.Fire(events.PhaseQuit, events.QuitEvent{ExitCode: code})
		})

		if s.children != nil {
			s.safely("reap children", func() error {
				if childCode := s.children.ReapChildren(); childCode > code {
					code = childCode
				}
				return nil
			})
		}

		if s.supervisor.StopAll(taskDrainTimeout) {
			log.Debug("Some background tasks did not stop in time")
		}
		if err := s.teardownErrs.ErrorOrNil(); err != nil {
			log.WithError(err).Warn("Teardown completed with errors")
		}
		s.exit(code)
	})
}

// writeFinalStats emits JSON when requested; otherwise a plain-text summary,
// percentile breakdown and error report, but never on a worker process.
func (s *ShutdownCoordinator) writeFinalStats() {
	s.safely("final statistics", func() error {
		if s.config.Json || s.config.JsonFile != "" {
			return s.requestStats.WriteJSON(s.config.JsonFile, s.out)
		}
		if s.config.Role() != configuration.Worker {
			s.requestStats.Print(s.out)
			s.requestStats.PrintPercentiles(s.out)
			s.requestStats.PrintErrorReport(s.out)
		}
		return nil
	})
}

// safely runs one teardown step; failures are logged and collected, never
// propagated, so a broken collaborator cannot abort the rest of the sequence.
func (s *ShutdownCoordinator) safely(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic during shutdown step %q: %v", step, r)
		}
	}()
	if err := fn(); err != nil {
		s.teardownErrs = multierror.Append(s.teardownErrs, err)
		log.WithError(err).Errorf("Error during shutdown step %q", step)
	}
}
