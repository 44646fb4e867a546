// Package events implements the lifecycle notification bus. External
// collaborators (report writers, plugins, the engine itself) register
// listeners for named lifecycle phases; the orchestrator fires them at fixed
// points of the process lifetime.
package events

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Lifecycle phases fired by the orchestrator.
const (
	PhaseInit     = "init"
	PhaseQuitting = "quitting"
	PhaseQuit     = "quit"
)

// QuitEvent carries the computed process exit code to quit listeners.
type QuitEvent struct {
	ExitCode int
}

type listener struct {
	name string
	fn   func(event interface{}) error
}

// Bus is an ordered listener registry. It is populated during startup and
// fired from the orchestrator; registration and firing never overlap, so no
// locking is needed.
type Bus struct {
	listeners map[string][]listener
}

func NewBus() *Bus {
	return &Bus{listeners: map[string][]listener{}}
}

// Register adds a named listener for a phase. Listeners fire in registration
// order, except for the quitting phase which fires in reverse so the most
// recently attached extension tears down first.
func (b *Bus) Register(phase string, name string, fn func(event interface{}) error) {
	b.listeners[phase] = append(b.listeners[phase], listener{name: name, fn: fn})
}

// Fire invokes every listener for the phase. Listener errors and panics are
// logged, never propagated; the first error is returned so the init phase can
// treat listener failure as fatal.
func (b *Bus) Fire(phase string, event interface{}) error {
	registered := b.listeners[phase]
	ordered := make([]listener, len(registered))
	copy(ordered, registered)
	if phase == PhaseQuitting {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	var firstErr error
	for _, l := range ordered {
		if err := b.fireOne(phase, l, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bus) fireOne(phase string, l listener, event interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Listener %s panicked during %s: %v", l.name, phase, r)
			err = fmt.Errorf("listener %s panicked: %v", l.name, r)
		}
	}()
	if err := l.fn(event); err != nil {
		log.WithError(err).Errorf("Listener %s failed during %s", l.name, phase)
		return err
	}
	return nil
}
