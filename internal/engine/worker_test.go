package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mu-L/locust/internal/engine/registry"
	"github.com/Mu-L/locust/internal/stats"
)

func TestWorkerLoop_RegistersAndAppliesCommands(t *testing.T) {
	reg := registry.NewInMemoryWorkerRegistry()
	runner := NewLocalRunner(idleTask, stats.NewRequestStats())
	loop := NewWorkerLoop(reg, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan error, 1)
	go func() { finished <- loop.Run(ctx) }()

	assert.Eventually(t, func() bool {
		ready, err := reg.ReadyWorkers()
		return err == nil && ready == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.PublishCommand(registry.Command{Seq: 1, Action: registry.ActionStart, Users: 2, SpawnRate: 1000}))
	assert.Eventually(t, func() bool { return runner.UserCount() == 2 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, reg.PublishCommand(registry.Command{Seq: 2, Action: registry.ActionQuit}))
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker loop did not finish after quit command")
	}
	assert.Equal(t, StateQuit, runner.State())

	ready, err := reg.ReadyWorkers()
	require.NoError(t, err)
	assert.Equal(t, 0, ready)
}

func TestWorkerLoop_IgnoresAlreadyAppliedCommands(t *testing.T) {
	reg := registry.NewInMemoryWorkerRegistry()
	runner := NewLocalRunner(idleTask, stats.NewRequestStats())
	loop := NewWorkerLoop(reg, runner)

	// A stale quit command from a previous run must not stop the worker
	// before the coordinator issues anything new.
	require.NoError(t, reg.PublishCommand(registry.Command{Seq: 0, Action: registry.ActionQuit}))

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- loop.Run(ctx) }()

	time.Sleep(1200 * time.Millisecond)
	select {
	case <-finished:
		t.Fatal("worker loop applied a stale command")
	default:
	}

	cancel()
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker loop did not stop on context cancellation")
	}
	assert.NotEqual(t, StateQuit, runner.State())
	runner.Quit()
}

func TestWorkerLoop_NodeIDsAreUnique(t *testing.T) {
	reg := registry.NewInMemoryWorkerRegistry()
	a := NewWorkerLoop(reg, NewLocalRunner(idleTask, stats.NewRequestStats()))
	b := NewWorkerLoop(reg, NewLocalRunner(idleTask, stats.NewRequestStats()))
	assert.NotEqual(t, a.NodeID(), b.NodeID())
	assert.NotEmpty(t, a.NodeID())
}
