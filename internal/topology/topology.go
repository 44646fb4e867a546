// Package topology establishes the OS process topology when the workload is
// split across multiple local processes. Since Go cannot fork, sibling
// processes are created by re-executing the current binary in worker mode.
package topology

import (
	"os"
	"os/exec"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Child is one spawned sibling process.
type Child interface {
	Pid() int
	// Signal delivers a signal to the child, best effort.
	Signal(sig syscall.Signal) error
	// TryWait reports the exit code if the child has exited.
	TryWait() (code int, exited bool)
	// Wait blocks until the child exits and returns its exit code.
	Wait() int
}

// Spawner creates sibling processes. The exec-based implementation is
// replaced by a fake in tests.
type Spawner interface {
	Spawn(index int) (Child, error)
}

// Manager tracks the children owned by a coordinating process. A process
// never appears in its own child list.
type Manager struct {
	children []Child
}

// Split creates count sibling worker processes and returns a Manager that
// owns them. Children are spawned concurrently; it must run before any
// network or task machinery is started.
func Split(count int, spawner Spawner) (*Manager, error) {
	children := make([]Child, count)
	var group errgroup.Group
	for i := 0; i < count; i++ {
		i := i
		group.Go(func() error {
			child, err := spawner.Spawn(i)
			if err != nil {
				return err
			}
			log.Debugf("Started child worker with pid %d", child.Pid())
			children[i] = child
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		// Tear down whatever was started so we never leave a partial topology.
		for _, c := range children {
			if c != nil {
				_ = c.Signal(syscall.SIGKILL)
			}
		}
		return nil, err
	}
	return &Manager{children: children}, nil
}

// Children returns the live child list in spawn order.
func (m *Manager) Children() []Child {
	return m.children
}

// ExecSpawner starts children by re-running the current binary with worker
// overrides appended. Flag values that are meaningless on a worker are
// overridden rather than stripped; later occurrences win.
type ExecSpawner struct {
	// Args holds the parent's command line, os.Args by default.
	Args []string
}

func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{Args: os.Args}
}

var workerOverrides = []string{
	"--worker=true",
	"--processes=0",
	"--run-time=0",
	"--autostart=false",
	"--autoquit=-1",
	"--csv=",
}

func (s *ExecSpawner) Spawn(index int) (Child, error) {
	args := append(append([]string{}, s.Args[1:]...), workerOverrides...)
	cmd := exec.Command(s.Args[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &execChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		c.exitCode = exitCodeOf(cmd.Wait())
	}()
	return c, nil
}

type execChild struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

func (c *execChild) Pid() int {
	return c.cmd.Process.Pid
}

func (c *execChild) Signal(sig syscall.Signal) error {
	return c.cmd.Process.Signal(sig)
}

func (c *execChild) TryWait() (int, bool) {
	select {
	case <-c.done:
		return c.exitCode, true
	default:
		return 0, false
	}
}

func (c *execChild) Wait() int {
	<-c.done
	return c.exitCode
}

// exitCodeOf maps a Wait error to a process exit code. A child terminated by
// a signal reports -1 from the runtime; treat that as a plain failure so it
// raises the aggregate.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
		return 1
	}
	return 1
}
