// Package runcontrol implements the automatic run controller: the state
// machine that waits for remote workers, starts the engine, arms the
// run-time-limit timer and drives autoquit behavior.
package runcontrol

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Mu-L/locust/internal/common/loadtesterrors"
	"github.com/Mu-L/locust/internal/common/task"
	"github.com/Mu-L/locust/internal/configuration"
	"github.com/Mu-L/locust/internal/engine"
	"github.com/Mu-L/locust/internal/shape"
)

// Phase of the run lifecycle.
type Phase string

const (
	PhaseAwaitingWorkers Phase = "awaiting-workers"
	PhaseStarting        Phase = "starting"
	PhaseRunning         Phase = "running"
	PhaseStoppingByTimer Phase = "stopping-by-timer"
	PhaseAutoquitWait    Phase = "autoquit-wait"
	PhaseShuttingDown    Phase = "shutting-down"
	PhaseTerminated      Phase = "terminated"
)

// Readiness wait logs at debug level at first, then at info level once the
// wait has gone on long enough to be worth telling the user about.
const readinessLogEscalation = 5 * time.Second

const defaultPollInterval = 1 * time.Second
const defaultShapeTickInterval = 1 * time.Second

// Controller owns RunLifecycleState and is the only component mutating it.
type Controller struct {
	mu    sync.Mutex
	phase Phase

	runner       engine.Runner
	shapeProgram shape.Shape
	supervisor   *task.Supervisor

	expectWorkers int
	maxWait       time.Duration
	runTime       time.Duration
	autostart     bool
	headless      bool
	autoquit      time.Duration // negative disables
	users         int
	spawnRate     float64

	pollInterval      time.Duration
	shapeTickInterval time.Duration

	stopOnce sync.Once
	exit     func(int)
}

func New(
	config *configuration.Configuration,
	runner engine.Runner,
	shapeProgram shape.Shape,
	supervisor *task.Supervisor,
) *Controller {
	phase := PhaseStarting
	expectWorkers := 0
	if config.Role() == configuration.Coordinator {
		expectWorkers = config.ExpectWorkers
		phase = PhaseAwaitingWorkers
	}
	autoquit := time.Duration(configuration.AutoquitDisabled)
	if config.Autoquit != configuration.AutoquitDisabled {
		autoquit = time.Duration(config.Autoquit) * time.Second
	}
	return &Controller{
		phase:             phase,
		runner:            runner,
		shapeProgram:      shapeProgram,
		supervisor:        supervisor,
		expectWorkers:     expectWorkers,
		maxWait:           config.ExpectWorkersMaxWait,
		runTime:           config.RunTime,
		autostart:         config.Autostart,
		headless:          config.Headless,
		autoquit:          autoquit,
		users:             config.Users,
		spawnRate:         config.SpawnRate,
		pollInterval:      defaultPollInterval,
		shapeTickInterval: defaultShapeTickInterval,
		exit:              os.Exit,
	}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	log.Debugf("Run lifecycle phase: %s", p)
}

// Run is the automatic run sequence, executed as a background task. It never
// returns an error for the worker-wait timeout; that aborts the whole run
// with exit code 1 after stopping the engine.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.awaitWorkers(ctx); err != nil {
		log.WithError(err).Error("Gave up waiting for workers to connect")
		c.runner.Quit()
		c.exit(1)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	c.start(ctx)
	return nil
}

// awaitWorkers polls until enough remote workers hold a readiness lease.
func (c *Controller) awaitWorkers(ctx context.Context) error {
	if c.expectWorkers <= 0 {
		return nil
	}
	start := time.Now()
	for {
		ready := c.runner.ReadyWorkers()
		if ready >= c.expectWorkers {
			log.Infof("All %d expected workers connected", c.expectWorkers)
			return nil
		}
		waited := time.Since(start)
		if c.maxWait > 0 && waited > c.maxWait {
			return errors.WithStack(&loadtesterrors.ErrWorkerTimeout{
				Expected: c.expectWorkers,
				Ready:    ready,
				Waited:   waited,
			})
		}
		if waited > readinessLogEscalation {
			log.Infof("Waiting for workers to be ready, %d of %d connected", ready, c.expectWorkers)
		} else {
			log.Debugf("Waiting for workers to be ready, %d of %d connected", ready, c.expectWorkers)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Controller) start(ctx context.Context) {
	c.setPhase(PhaseStarting)

	// Apply sensible minimums when the user left count and ramp rate unset.
	users := c.users
	if users == 0 {
		users = 1
	}
	spawnRate := c.spawnRate
	if spawnRate == 0 {
		spawnRate = 1
	}

	if c.shapeProgram != nil {
		// A shape program drives start and stop itself; the run-time-limit
		// timer path is never armed alongside it.
		c.setPhase(PhaseRunning)
		c.runShape(ctx)
		return
	}

	c.runner.Start(users, spawnRate)
	c.setPhase(PhaseRunning)

	if c.runTime > 0 {
		log.Infof("Run time limit set to %s", c.runTime)
		err := c.supervisor.Spawn("run-time-limit", false, func(taskCtx context.Context) error {
			select {
			case <-taskCtx.Done():
				return nil
			case <-time.After(c.runTime):
				c.stopAndOptionallyQuit(taskCtx)
				return nil
			}
		})
		if err != nil {
			log.WithError(err).Error("Failed to arm run time limit timer")
		}
	} else {
		log.Info("No run time limit set, use CTRL+C to interrupt")
	}
}

// runShape ticks the shape program until it completes or the context is
// cancelled; either way the stop sequence triggers exactly once.
func (c *Controller) runShape(ctx context.Context) {
	defer c.stopAndOptionallyQuit(ctx)

	var lastUsers int
	var lastRate float64
	started := false
	startTime := time.Now()
	for {
		users, spawnRate, done := c.shapeProgram.Tick(time.Since(startTime))
		if done {
			log.Info("Shape program complete")
			return
		}
		if !started || users != lastUsers || spawnRate != lastRate {
			c.runner.Start(users, spawnRate)
			lastUsers, lastRate, started = users, spawnRate, true
		}
		select {
		case <-ctx.Done():
			log.Info("Shape program interrupted")
			return
		case <-time.After(c.shapeTickInterval):
		}
	}
}

// stopAndOptionallyQuit handles reaching the run time limit (or shape
// completion). With autostart in non-headless mode the engine is stopped
// gracefully and, if an autoquit delay is set, fully quit after that delay;
// without a delay the process stays up for inspection. Headless runs quit
// immediately. The autoquit wait is cancelled through ctx when shutdown
// arrives first.
func (c *Controller) stopAndOptionallyQuit(ctx context.Context) {
	c.stopOnce.Do(func() {
		if c.autostart && !c.headless {
			log.Info("Run time limit reached, stopping test")
			c.setPhase(PhaseStoppingByTimer)
			c.runner.Stop()
			if c.autoquit >= 0 {
				log.Debugf("Autoquit time limit set to %s", c.autoquit)
				c.setPhase(PhaseAutoquitWait)
				select {
				case <-ctx.Done():
					// Shutdown is already in progress and quits the engine
					// itself.
					log.Debug("Autoquit wait interrupted")
					return
				case <-time.After(c.autoquit):
				}
				log.Info("Autoquit time reached, shutting down")
				c.setPhase(PhaseShuttingDown)
				c.runner.Quit()
			} else {
				log.Info("Autoquit not specified, leaving the process running indefinitely")
			}
		} else {
			log.Info("Run time limit reached, shutting down")
			c.setPhase(PhaseShuttingDown)
			c.runner.Quit()
		}
	})
}

// TimersArmed reports whether the stop sequence may still fire, used by the
// shutdown coordinator to decide whether timers must be cancelled.
func (c *Controller) TimersArmed() bool {
	switch c.Phase() {
	case PhaseRunning, PhaseStoppingByTimer, PhaseAutoquitWait:
		return true
	default:
		return false
	}
}

// MarkTerminated is called by the shutdown coordinator as the process exits.
func (c *Controller) MarkTerminated() {
	c.setPhase(PhaseTerminated)
}
