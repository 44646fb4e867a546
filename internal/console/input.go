// Package console implements the interactive keystroke listener. Keys map to
// named actions with explicit guard conditions, so e.g. ramping up is
// refused while a ramp is already in progress.
package console

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Action is one keystroke-triggered operation.
type Action struct {
	Name string
	// Guard returns false and a reason when the action cannot run right now.
	Guard func() (bool, string)
	Run   func()
}

// Listener reads single keystrokes from a terminal and dispatches them
// through the action table. On a non-terminal stdin it idles until
// cancelled, so redirected input never triggers actions.
type Listener struct {
	actions map[byte]Action
	in      *os.File
}

func NewListener(actions map[byte]Action) *Listener {
	return &Listener{actions: actions, in: os.Stdin}
}

func (l *Listener) Run(ctx context.Context) error {
	fd := int(l.in.Fd())
	if !term.IsTerminal(fd) {
		<-ctx.Done()
		return nil
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer func() {
		if err := term.Restore(fd, oldState); err != nil {
			log.WithError(err).Warn("Failed to restore terminal state")
		}
	}()

	keys := make(chan byte)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := l.in.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				select {
				case keys <- buf[0]:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case key := <-keys:
			l.dispatch(key)
		}
	}
}

func (l *Listener) dispatch(key byte) {
	action, ok := l.actions[key]
	if !ok {
		return
	}
	if action.Guard != nil {
		if ok, reason := action.Guard(); !ok {
			log.Warn(reason)
			return
		}
	}
	log.Debugf("Keystroke action: %s", action.Name)
	action.Run()
}
