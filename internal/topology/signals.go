package topology

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Per-child grace period during teardown before escalating to an interrupt.
var childReapTimeout = 3 * time.Second

// Settle delay after reaping all children so interleaved worker output has
// arrived before the parent's own final output.
var outputSettleDelay = 100 * time.Millisecond

// TerminationState records signal handling progress for one process. The
// escalation decision lives here rather than in handler-local state.
type TerminationState struct {
	mu                 sync.Mutex
	signalReceivedOnce bool
}

// SignalledOnce flips the received flag and reports the previous value, so
// the caller can distinguish the first signal from a repeat.
func (t *TerminationState) SignalledOnce() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.signalReceivedOnce
	t.signalReceivedOnce = true
	return prev
}

// SuperviseInterrupts installs the parent-role interrupt handler: the first
// interrupt is ignored, delegating shutdown to the children's own handlers; a
// repeated interrupt kills the remaining children hard and exits with code 1.
func (m *Manager) SuperviseInterrupts(state *TerminationState, exit func(int)) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT)
	go func() {
		for range sigs {
			if !state.SignalledOnce() {
				log.Debug("Interrupt received, waiting for children to handle it")
				continue
			}
			m.KillSurvivors()
			exit(1)
		}
	}()
}

// KillSurvivors sends an unconditional kill to every child that has not
// exited yet. Used on the forced-exit path only.
func (m *Manager) KillSurvivors() {
	for _, child := range m.children {
		if _, exited := child.TryWait(); exited {
			continue
		}
		log.Debugf("Sending SIGKILL to child with pid %d", child.Pid())
		if err := child.Signal(syscall.SIGKILL); err != nil {
			log.WithError(err).Errorf("Failed to kill child with pid %d", child.Pid())
		}
	}
}

// WaitForChildren blocks until every child has exited and returns the
// aggregate exit code: the maximum over all children, so any single failing
// child marks the whole run failed.
func (m *Manager) WaitForChildren() int {
	exitCode := 0
	for _, child := range m.children {
		if code := child.Wait(); code > exitCode {
			exitCode = code
		}
	}
	return exitCode
}

// ReapChildren is the coordinator teardown path. Each child gets a short
// grace window to finish on its own (it may still be reporting an argument
// error), then any survivor is interrupted and awaited. The aggregate exit
// code is returned; values above 1 indicate a worker failed abnormally.
func (m *Manager) ReapChildren() int {
	exitCode := 0
	var alive []Child
	for _, child := range m.children {
		code, exited := m.awaitWithTimeout(child, childReapTimeout)
		if !exited {
			alive = append(alive, child)
			continue
		}
		if code > exitCode {
			exitCode = code
		}
	}

	for _, child := range alive {
		log.Debugf("Sending SIGINT to child with pid %d", child.Pid())
		if err := child.Signal(syscall.SIGINT); err != nil {
			// Never mind, the process was probably already dead.
			log.Debugf("Failed to signal child with pid %d: %v", child.Pid(), err)
		}
	}
	for _, child := range alive {
		if code := child.Wait(); code > exitCode {
			exitCode = code
		}
	}

	if exitCode > 1 {
		log.Errorf("Bad response code from worker children: %d", exitCode)
	}
	time.Sleep(outputSettleDelay)
	return exitCode
}

func (m *Manager) awaitWithTimeout(child Child, timeout time.Duration) (int, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if code, exited := child.TryWait(); exited {
			return code, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(100 * time.Millisecond)
	}
}
