// Package engine contains the load-generation engine behind the narrow
// interface the lifecycle orchestrator drives: ramping simulated users up and
// down, distributing start/stop across workers and exposing error state.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Mu-L/locust/internal/stats"
)

// State of a runner.
type State string

const (
	StateReady    State = "ready"
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateQuit     State = "quit"
)

// UserTask is the workload one simulated user executes repeatedly. Its
// semantics are outside the orchestrator's scope; any callable satisfying
// this signature can be plugged in.
type UserTask func(ctx context.Context) error

// Runner is the control interface the orchestrator drives.
type Runner interface {
	// Start ramps towards the given user count at spawnRate users per second.
	Start(users int, spawnRate float64)
	// Stop gracefully stops all simulated users.
	Stop()
	// Quit stops the run and releases the main wait. Idempotent.
	Quit()
	// Done is closed once Quit has taken effect.
	Done() <-chan struct{}
	State() State
	UserCount() int
	// ReadyWorkers reports the number of connected remote workers.
	ReadyWorkers() int
	// ErrorCount is the number of failed requests recorded so far.
	ErrorCount() int64
	// ExceptionCount is the number of user task panics recovered so far.
	ExceptionCount() int64
}

// LocalRunner executes simulated users in-process.
type LocalRunner struct {
	mu         sync.Mutex
	state      State
	users      []context.CancelFunc
	userWg     sync.WaitGroup
	rampCancel context.CancelFunc

	taskFn     UserTask
	stats      *stats.RequestStats
	exceptions atomic.Int64

	quitOnce sync.Once
	done     chan struct{}
}

func NewLocalRunner(taskFn UserTask, requestStats *stats.RequestStats) *LocalRunner {
	if taskFn == nil {
		taskFn = func(ctx context.Context) error {
			select {
			case <-time.After(100 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	r := &LocalRunner{
		state:  StateReady,
		taskFn: taskFn,
		stats:  requestStats,
		done:   make(chan struct{}),
	}
	requestStats.UserCountFn = r.UserCount
	return r
}

func (r *LocalRunner) Start(target int, spawnRate float64) {
	if spawnRate <= 0 {
		spawnRate = 1
	}
	r.mu.Lock()
	if r.state == StateQuit {
		r.mu.Unlock()
		return
	}
	if r.rampCancel != nil {
		r.rampCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.rampCancel = cancel
	r.state = StateSpawning
	r.mu.Unlock()

	log.Infof("Ramping to %d users at %.1f users/s", target, spawnRate)
	go r.ramp(ctx, target, spawnRate)
}

func (r *LocalRunner) ramp(ctx context.Context, target int, spawnRate float64) {
	interval := time.Duration(float64(time.Second) / spawnRate)
	for {
		r.mu.Lock()
		// Stop cancels the ramp while holding the lock; a spawn after that
		// would leak a user nothing cancels.
		if ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		current := len(r.users)
		switch {
		case current < target:
			r.spawnUserLocked()
		case current > target:
			r.stopUserLocked()
		default:
			r.state = StateRunning
			r.mu.Unlock()
			log.Infof("All %d users spawned", target)
			return
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (r *LocalRunner) spawnUserLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	r.users = append(r.users, cancel)
	r.userWg.Add(1)
	go func() {
		defer r.userWg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.runOne(ctx)
		}
	}()
}

func (r *LocalRunner) stopUserLocked() {
	if n := len(r.users); n > 0 {
		r.users[n-1]()
		r.users = r.users[:n-1]
	}
}

// runOne executes a single user task iteration, recording the outcome and
// converting panics into exceptions.
func (r *LocalRunner) runOne(ctx context.Context) {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.exceptions.Add(1)
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		err = r.taskFn(ctx)
	}()
	if ctx.Err() != nil {
		return
	}
	r.stats.Log("user task", time.Since(start), err)
}

func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if r.rampCancel != nil {
		r.rampCancel()
		r.rampCancel = nil
	}
	for _, cancel := range r.users {
		cancel()
	}
	stopped := len(r.users)
	r.users = nil
	if r.state != StateQuit {
		r.state = StateStopped
	}
	r.mu.Unlock()

	r.userWg.Wait()
	if stopped > 0 {
		log.Infof("Stopped %d users", stopped)
	}
}

func (r *LocalRunner) Quit() {
	r.quitOnce.Do(func() {
		r.Stop()
		r.mu.Lock()
		r.state = StateQuit
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *LocalRunner) Done() <-chan struct{} {
	return r.done
}

func (r *LocalRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *LocalRunner) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *LocalRunner) ReadyWorkers() int {
	return 0
}

func (r *LocalRunner) ErrorCount() int64 {
	return r.stats.Total().NumFailures
}

func (r *LocalRunner) ExceptionCount() int64 {
	return r.exceptions.Load()
}
