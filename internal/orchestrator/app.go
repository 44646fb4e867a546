// Package orchestrator wires the process-and-task lifecycle together:
// process topology, background task supervision, automatic run control,
// signal handling and the shutdown sequence.
package orchestrator

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Mu-L/locust/internal/common"
	"github.com/Mu-L/locust/internal/common/health"
	"github.com/Mu-L/locust/internal/common/task"
	"github.com/Mu-L/locust/internal/configuration"
	"github.com/Mu-L/locust/internal/console"
	"github.com/Mu-L/locust/internal/engine"
	"github.com/Mu-L/locust/internal/engine/registry"
	"github.com/Mu-L/locust/internal/events"
	"github.com/Mu-L/locust/internal/runcontrol"
	"github.com/Mu-L/locust/internal/shape"
	"github.com/Mu-L/locust/internal/stats"
	"github.com/Mu-L/locust/internal/topology"
)

const statsPrintInterval = 2 * time.Second
const statsHistoryInterval = 5 * time.Second
const csvWriteInterval = 2 * time.Second

// App owns one process's lifecycle. Out and the spawner/exit hooks are
// replaceable so tests can drive a full lifecycle in-process.
type App struct {
	Config *configuration.Configuration
	Out    io.Writer

	// UserTask is the workload executed by simulated users; nil selects the
	// built-in idle task.
	UserTask engine.UserTask

	Spawner topology.Spawner
	exit    func(int)

	bus          *events.Bus
	supervisor   *task.Supervisor
	runner       engine.Runner
	requestStats *stats.RequestStats
	controller   *runcontrol.Controller
	shutdown     *ShutdownCoordinator
}

func New(config *configuration.Configuration) *App {
	return &App{
		Config:  config,
		Out:     os.Stdout,
		Spawner: topology.NewExecSpawner(),
		exit:    os.Exit,
	}
}

// Bus exposes the lifecycle notification bus so collaborators can register
// listeners before Run fires the init phase.
func (a *App) Bus() *events.Bus {
	if a.bus == nil {
		a.bus = events.NewBus()
	}
	return a.bus
}

// SetProcessExitCode forces the final exit code; see ShutdownCoordinator.
func (a *App) SetProcessExitCode(code int) {
	if a.shutdown != nil {
		a.shutdown.SetProcessExitCode(code)
	}
}

// Run executes the whole process lifecycle and only returns on a
// configuration error; otherwise it terminates the process through the
// shutdown coordinator.
func (a *App) Run() error {
	cfg := a.Config
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Establish the process topology before any network or task machinery.
	var children *topology.Manager
	if cfg.Processes != 0 {
		n := cfg.ResolveProcessCount()
		if n < 1 {
			return fmt.Errorf("process splitting failed to detect any CPUs")
		}
		manager, err := topology.Split(n, a.Spawner)
		if err != nil {
			return err
		}
		if cfg.Worker {
			// Pure supervising parent: every child is a worker and handles
			// its own shutdown; nothing more to do here but wait.
			manager.SuperviseInterrupts(&topology.TerminationState{}, a.exit)
			a.exit(manager.WaitForChildren())
			return nil
		}
		// The parent retains the coordinator role.
		cfg.Master = true
		cfg.ExpectWorkers = n
		children = manager
	}

	common.RaiseOpenFileLimit()

	a.requestStats = stats.NewRequestStats()
	a.supervisor = task.NewSupervisor("loadtest_")
	bus := a.Bus()

	var shapeProgram shape.Shape
	if cfg.ShapeFile != "" {
		program, err := shape.LoadFromFile(cfg.ShapeFile)
		if err != nil {
			return err
		}
		shapeProgram = program
	}

	workerRegistry, err := a.newWorkerRegistry()
	if err != nil {
		return err
	}

	role := cfg.Role()
	log.Infof("Starting load test in %s mode", role)

	var workerLoop *engine.WorkerLoop
	switch role {
	case configuration.Coordinator:
		a.runner = engine.NewMasterRunner(workerRegistry, a.requestStats)
	case configuration.Worker:
		local := engine.NewLocalRunner(a.UserTask, a.requestStats)
		workerLoop = engine.NewWorkerLoop(workerRegistry, local)
		a.runner = local
	default:
		a.runner = engine.NewLocalRunner(a.UserTask, a.requestStats)
	}

	a.controller = runcontrol.New(cfg, a.runner, shapeProgram, a.supervisor)
	a.shutdown = &ShutdownCoordinator{
		config:       cfg,
		bus:          bus,
		supervisor:   a.supervisor,
		runner:       a.runner,
		requestStats: a.requestStats,
		controller:   a.controller,
		children:     children,
		out:          a.Out,
		exit:         a.exit,
	}

	startupCheck := health.NewStartupCompleteChecker()
	if cfg.MetricsPort != 0 {
		stopMetrics := common.ServeMetrics(cfg.MetricsPort, startupCheck)
		bus.Register(events.PhaseQuitting, "metrics-server", func(interface{}) error {
			stopMetrics()
			return nil
		})
	}

	a.registerStatsTasks(role)
	if workerLoop != nil {
		if err := a.supervisor.Spawn("worker-loop", false, workerLoop.Run); err != nil {
			return err
		}
	}

	// Fire the init lifecycle so collaborators can run setup code. A failing
	// init listener is fatal; it is already logged, so just exit.
	if err := bus.Fire(events.PhaseInit, a); err != nil {
		a.exit(1)
		return nil
	}
	startupCheck.Complete()

	if cfg.Autostart && role != configuration.Worker {
		if err := a.supervisor.Spawn("autostart", false, a.controller.Run); err != nil {
			return err
		}
	}

	if role != configuration.Worker && !cfg.Headless {
		listener := console.NewListener(a.keymap())
		if err := a.supervisor.Spawn("input-listener", false, listener.Run); err != nil {
			return err
		}
	}

	a.installSignalHandler(children)

	// Main blocking wait: released by a timed quit, an interactive quit, a
	// worker quit command or a termination signal.
	<-a.runner.Done()
	a.shutdown.Shutdown()
	return nil
}

func (a *App) newWorkerRegistry() (registry.WorkerRegistry, error) {
	if a.Config.RegistryAddress == "" {
		return registry.NewInMemoryWorkerRegistry(), nil
	}
	log.Debugf("Connecting to worker registry at %s", a.Config.RegistryAddress)
	return registry.NewRedisWorkerRegistry(a.Config.RegistryAddress)
}

func (a *App) registerStatsTasks(role configuration.Role) {
	cfg := a.Config
	printStats := !cfg.OnlySummary && (cfg.PrintStats || (cfg.Headless && role != configuration.Worker))
	if printStats {
		_ = a.supervisor.RegisterPeriodic("stats-printer", statsPrintInterval, func() error {
			a.requestStats.Print(a.Out)
			return nil
		})
	}
	_ = a.supervisor.RegisterPeriodic("stats-history", statsHistoryInterval, func() error {
		a.requestStats.Sample()
		return nil
	})
	if cfg.CsvPrefix != "" {
		writer, err := stats.NewCSVWriter(a.requestStats, cfg.CsvPrefix, cfg.CsvFullHistory)
		if err != nil {
			log.WithError(err).Error("Could not create CSV output")
			return
		}
		_ = a.supervisor.RegisterPeriodic("csv-writer", csvWriteInterval, writer.Write)
		a.Bus().Register(events.PhaseQuitting, "csv-writer", func(interface{}) error {
			return writer.Write()
		})
	}
}

// keymap is the interactive action table. Ramp actions are guarded so they
// are refused while a ramp is already in progress.
func (a *App) keymap() map[byte]console.Action {
	notSpawning := func() (bool, string) {
		if a.runner.State() == engine.StateSpawning {
			return false, "Already spawning users, can't change user count right now"
		}
		return true, ""
	}
	rampTo := func(delta int) func() {
		return func() {
			target := a.runner.UserCount() + delta
			if target < 0 {
				target = 0
			}
			a.runner.Start(target, 100)
		}
	}
	quit := console.Action{
		Name: "quit",
		Run:  a.runner.Quit,
	}
	return map[byte]console.Action{
		'w':  {Name: "add user", Guard: notSpawning, Run: rampTo(1)},
		'W':  {Name: "add 10 users", Guard: notSpawning, Run: rampTo(10)},
		's':  {Name: "remove user", Guard: notSpawning, Run: rampTo(-1)},
		'S':  {Name: "remove 10 users", Guard: notSpawning, Run: rampTo(-10)},
		'q':  quit,
		0x03: quit, // ctrl-c while the terminal is in raw mode
	}
}

// installSignalHandler routes interrupt and terminate signals into the
// shutdown coordinator. The first signal starts a graceful shutdown; a
// repeated signal kills any remaining children hard and exits with code 1.
func (a *App) installSignalHandler(children *topology.Manager) {
	state := &topology.TerminationState{}
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			if !state.SignalledOnce() {
				log.Infof("Got %s signal", sig)
				go a.shutdown.Shutdown()
				continue
			}
			log.Warnf("Got %s signal again, forcing exit", sig)
			if children != nil {
				children.KillSurvivors()
			}
			a.exit(1)
		}
	}()
}

// Drain is used by tests to release resources when Run was short-circuited.
func (a *App) Drain() {
	if a.supervisor != nil {
		a.supervisor.StopAll(taskDrainTimeout)
	}
}
