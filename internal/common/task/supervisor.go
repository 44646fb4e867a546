package task

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// ExitCodeTaskFault is the process exit code used when a task registered as
// fatal-on-fault raises an unhandled error or panic.
const ExitCodeTaskFault = 2

type task struct {
	name        string
	fatal       bool
	cancel      context.CancelFunc
	stopChannel chan struct{}
}

// Supervisor owns all long-lived background tasks of one process: pollers,
// timers, printers and listeners. Every task body is wrapped so that an
// unhandled error or panic is logged, recorded in process-wide fault state
// and, for tasks registered as fatal, terminates the process.
//
// Supervisor is safe for concurrent use: Cancel and StopAll are called from
// the signal and shutdown goroutines while tasks are still running.
type Supervisor struct {
	mu            sync.Mutex
	tasks         map[string]*task
	wg            sync.WaitGroup
	metricsPrefix string
	registerer    prometheus.Registerer
	faultCounter  prometheus.Counter
	faulted       bool

	// exit is called for fatal task faults. Tests replace it.
	exit func(code int)
}

func NewSupervisor(metricsPrefix string) *Supervisor {
	return NewSupervisorWithRegisterer(metricsPrefix, prometheus.DefaultRegisterer)
}

func NewSupervisorWithRegisterer(metricsPrefix string, registerer prometheus.Registerer) *Supervisor {
	return &Supervisor{
		tasks:         map[string]*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		faultCounter: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "task_faults_total",
			Help: "Number of unhandled errors raised by background tasks",
		}),
		exit: os.Exit,
	}
}

// Spawn starts fn as a named background task. The context passed to fn is
// cancelled when the task is cancelled or the supervisor stops; fn should
// return promptly after that. Task names must be unique within a process.
func (s *Supervisor) Spawn(name string, fatal bool, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("duplicate task name %q", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		name:        name,
		fatal:       fatal,
		cancel:      cancel,
		stopChannel: make(chan struct{}),
	}
	s.tasks[name] = t

	durationHistogram := promauto.With(s.registerer).NewHistogram(prometheus.HistogramOpts{
		Name:    s.metricsPrefix + name + "_duration_seconds",
		Help:    "Background task " + name + " run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.stopChannel)

		start := time.Now()
		err := s.runGuarded(t, fn, ctx)
		durationHistogram.Observe(time.Since(start).Seconds())

		if err != nil {
			s.recordFault(t, err)
		}
	}()
	return nil
}

// RegisterPeriodic starts a task that runs fn immediately and then once per
// interval until cancelled. Faults are recorded per run but never fatal.
func (s *Supervisor) RegisterPeriodic(name string, interval time.Duration, fn func() error) error {
	return s.Spawn(name, false, func(ctx context.Context) error {
		if err := fn(); err != nil {
			return err
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(); err != nil {
					return err
				}
			}
		}
	})
}

// runGuarded invokes fn, converting panics into errors so no task failure can
// propagate into the supervisor's own control flow.
func (s *Supervisor) runGuarded(t *task, fn func(ctx context.Context) error, ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", t.name, r)
		}
	}()
	err = fn(ctx)
	if err == context.Canceled || ctx.Err() != nil {
		// Cancellation during shutdown is not a fault.
		err = nil
	}
	return err
}

func (s *Supervisor) recordFault(t *task, err error) {
	s.mu.Lock()
	s.faulted = true
	s.mu.Unlock()
	s.faultCounter.Inc()

	log.WithError(err).Errorf("Unhandled error in task %s", t.name)
	if t.fatal {
		log.Errorf("Task %s is fatal-on-fault, exiting", t.name)
		s.exit(ExitCodeTaskFault)
	}
}

// Cancel requests the named task to stop without waiting for it to do so.
func (s *Supervisor) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		t.cancel()
	}
}

// StopAll cancels every task and waits for completion up to timeout.
// It returns true if the wait timed out.
func (s *Supervisor) StopAll(timeout time.Duration) bool {
	s.mu.Lock()
	for _, t := range s.tasks {
		t.cancel()
	}
	s.mu.Unlock()

	c := make(chan struct{})
	go func() {
		defer close(c)
		s.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

// Faulted reports whether any task raised an unhandled error since startup.
func (s *Supervisor) Faulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faulted
}

// Done returns a channel closed when the named task has finished, or nil if
// no such task exists. Used by tests and by callers that need to join on a
// specific task.
func (s *Supervisor) Done(name string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		return t.stopChannel
	}
	return nil
}
