package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Mu-L/locust/internal/engine/registry"
)

const (
	heartbeatInterval   = 3 * time.Second
	commandPollInterval = 500 * time.Millisecond
)

// WorkerLoop connects a worker process to the coordinator: it registers the
// node in the worker registry, keeps its readiness lease alive and applies
// run commands to the local runner. It runs as a background task until the
// context is cancelled or a quit command arrives.
type WorkerLoop struct {
	nodeID   string
	registry registry.WorkerRegistry
	runner   *LocalRunner
}

func NewWorkerLoop(workerRegistry registry.WorkerRegistry, runner *LocalRunner) *WorkerLoop {
	return &WorkerLoop{
		nodeID:   uuid.NewString(),
		registry: workerRegistry,
		runner:   runner,
	}
}

func (w *WorkerLoop) NodeID() string {
	return w.nodeID
}

func (w *WorkerLoop) Run(ctx context.Context) error {
	if err := w.registry.RegisterWorker(w.nodeID); err != nil {
		return err
	}
	log.Infof("Worker %s connected and ready", w.nodeID)
	defer func() {
		if err := w.registry.DeregisterWorker(w.nodeID); err != nil {
			log.WithError(err).Warn("Failed to deregister worker")
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(commandPollInterval)
	defer poll.Stop()

	var lastSeq int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := w.registry.Heartbeat(w.nodeID); err != nil {
				log.WithError(err).Warn("Worker heartbeat failed")
			}
		case <-poll.C:
			cmd, ok, err := w.registry.CurrentCommand()
			if err != nil {
				log.WithError(err).Warn("Failed to poll for commands")
				continue
			}
			if !ok || cmd.Seq <= lastSeq {
				continue
			}
			lastSeq = cmd.Seq
			w.apply(cmd)
			if cmd.Action == registry.ActionQuit {
				return nil
			}
		}
	}
}

func (w *WorkerLoop) apply(cmd registry.Command) {
	log.Debugf("Applying command %d: %s", cmd.Seq, cmd.Action)
	switch cmd.Action {
	case registry.ActionStart:
		w.runner.Start(cmd.Users, cmd.SpawnRate)
	case registry.ActionStop:
		w.runner.Stop()
	case registry.ActionQuit:
		w.runner.Quit()
	default:
		log.Warnf("Unknown command action %q", cmd.Action)
	}
}
