package engine

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Mu-L/locust/internal/engine/registry"
	"github.com/Mu-L/locust/internal/stats"
)

// MasterRunner is the coordinator's view of a distributed run. Control is
// distributed by publishing commands through the worker registry; readiness
// is the number of workers currently holding a heartbeat lease there.
type MasterRunner struct {
	mu       sync.Mutex
	state    State
	registry registry.WorkerRegistry
	stats    *stats.RequestStats
	seq      atomic.Int64

	quitOnce sync.Once
	done     chan struct{}
}

func NewMasterRunner(workerRegistry registry.WorkerRegistry, requestStats *stats.RequestStats) *MasterRunner {
	return &MasterRunner{
		state:    StateReady,
		registry: workerRegistry,
		stats:    requestStats,
		done:     make(chan struct{}),
	}
}

func (r *MasterRunner) publish(action registry.Action, users int, spawnRate float64) {
	cmd := registry.Command{
		Seq:       r.seq.Add(1),
		Action:    action,
		Users:     users,
		SpawnRate: spawnRate,
	}
	if err := r.registry.PublishCommand(cmd); err != nil {
		log.WithError(err).Errorf("Failed to publish %s command to workers", action)
	}
}

func (r *MasterRunner) Start(users int, spawnRate float64) {
	r.mu.Lock()
	if r.state == StateQuit {
		r.mu.Unlock()
		return
	}
	r.state = StateRunning
	r.mu.Unlock()
	log.Infof("Instructing workers to ramp to %d users at %.1f users/s", users, spawnRate)
	r.publish(registry.ActionStart, users, spawnRate)
}

func (r *MasterRunner) Stop() {
	r.mu.Lock()
	if r.state != StateQuit {
		r.state = StateStopped
	}
	r.mu.Unlock()
	r.publish(registry.ActionStop, 0, 0)
}

func (r *MasterRunner) Quit() {
	r.quitOnce.Do(func() {
		r.publish(registry.ActionQuit, 0, 0)
		r.mu.Lock()
		r.state = StateQuit
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *MasterRunner) Done() <-chan struct{} {
	return r.done
}

func (r *MasterRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *MasterRunner) UserCount() int {
	return 0
}

func (r *MasterRunner) ReadyWorkers() int {
	ready, err := r.registry.ReadyWorkers()
	if err != nil {
		log.WithError(err).Warn("Failed to count ready workers")
		return 0
	}
	return ready
}

func (r *MasterRunner) ErrorCount() int64 {
	return r.stats.Total().NumFailures
}

func (r *MasterRunner) ExceptionCount() int64 {
	return 0
}
