package runcontrol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mu-L/locust/internal/common/task"
	"github.com/Mu-L/locust/internal/configuration"
	"github.com/Mu-L/locust/internal/engine"
	"github.com/Mu-L/locust/internal/shape"
)

type startCall struct {
	users     int
	spawnRate float64
}

type fakeRunner struct {
	mu           sync.Mutex
	starts       []startCall
	stops        int
	readyWorkers int

	quitOnce sync.Once
	done     chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{done: make(chan struct{})}
}

func (r *fakeRunner) Start(users int, spawnRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, startCall{users: users, spawnRate: spawnRate})
}

func (r *fakeRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
}

func (r *fakeRunner) Quit() {
	r.quitOnce.Do(func() { close(r.done) })
}

func (r *fakeRunner) Done() <-chan struct{} { return r.done }

func (r *fakeRunner) State() engine.State { return engine.StateRunning }

func (r *fakeRunner) UserCount() int { return 0 }

func (r *fakeRunner) ReadyWorkers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyWorkers
}

func (r *fakeRunner) ErrorCount() int64 { return 0 }

func (r *fakeRunner) ExceptionCount() int64 { return 0 }

func (r *fakeRunner) startCalls() []startCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]startCall, len(r.starts))
	copy(out, r.starts)
	return out
}

func (r *fakeRunner) stopCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *fakeRunner) quitted() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func newTestController(cfg *configuration.Configuration, runner engine.Runner, shapeProgram shape.Shape) (*Controller, *task.Supervisor) {
	supervisor := task.NewSupervisorWithRegisterer("test_", prometheus.NewRegistry())
	c := New(cfg, runner, shapeProgram, supervisor)
	c.pollInterval = 5 * time.Millisecond
	c.shapeTickInterval = 5 * time.Millisecond
	c.exit = func(int) {}
	return c, supervisor
}

func TestRun_StartsWithDefaultUsersAndRate(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{Autostart: true, Autoquit: configuration.AutoquitDisabled}
	c, supervisor := newTestController(cfg, runner, nil)
	defer supervisor.StopAll(time.Second)

	require.NoError(t, c.Run(context.Background()))

	calls := runner.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, startCall{users: 1, spawnRate: 1}, calls[0])
	assert.Equal(t, PhaseRunning, c.Phase())
	assert.True(t, c.TimersArmed())
}

func TestRun_UsesConfiguredUsersAndRate(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{
		Autostart: true,
		Autoquit:  configuration.AutoquitDisabled,
		Users:     50,
		SpawnRate: 5,
	}
	c, supervisor := newTestController(cfg, runner, nil)
	defer supervisor.StopAll(time.Second)

	require.NoError(t, c.Run(context.Background()))

	calls := runner.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, startCall{users: 50, spawnRate: 5}, calls[0])
}

func TestRun_HeadlessRunTimeLimitQuitsTheEngine(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{
		Headless:  true,
		Autostart: true,
		Autoquit:  configuration.AutoquitDisabled,
		RunTime:   30 * time.Millisecond,
	}
	c, supervisor := newTestController(cfg, runner, nil)
	defer supervisor.StopAll(time.Second)

	require.NoError(t, c.Run(context.Background()))

	select {
	case <-runner.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run time limit never quit the engine")
	}
	assert.Equal(t, PhaseShuttingDown, c.Phase())
	// Headless runs skip the graceful stop and quit outright.
	assert.Equal(t, 0, runner.stopCalls())
}

func TestRun_AutostartWithAutoquitStopsThenQuits(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{
		Autostart: true,
		Autoquit:  0,
		RunTime:   30 * time.Millisecond,
	}
	c, supervisor := newTestController(cfg, runner, nil)
	defer supervisor.StopAll(time.Second)

	require.NoError(t, c.Run(context.Background()))

	select {
	case <-runner.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("autoquit never quit the engine")
	}
	assert.Equal(t, 1, runner.stopCalls())
	assert.Equal(t, PhaseShuttingDown, c.Phase())
}

func TestRun_QuitWaitsForTheFullAutoquitDelay(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{
		Autostart: true,
		Autoquit:  1, // seconds
		RunTime:   30 * time.Millisecond,
	}
	c, supervisor := newTestController(cfg, runner, nil)
	defer supervisor.StopAll(2 * time.Second)

	require.NoError(t, c.Run(context.Background()))

	assert.Eventually(t, func() bool { return c.Phase() == PhaseAutoquitWait }, 2*time.Second, 5*time.Millisecond)
	stoppedAt := time.Now()

	time.Sleep(300 * time.Millisecond)
	assert.False(t, runner.quitted(), "engine quit before the autoquit delay elapsed")

	select {
	case <-runner.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("autoquit never quit the engine")
	}
	assert.GreaterOrEqual(t, time.Since(stoppedAt), 900*time.Millisecond)
}

func TestRun_AutoquitWaitIsCancellable(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{
		Autostart: true,
		Autoquit:  60,
		RunTime:   30 * time.Millisecond,
	}
	c, supervisor := newTestController(cfg, runner, nil)

	require.NoError(t, c.Run(context.Background()))
	assert.Eventually(t, func() bool { return c.Phase() == PhaseAutoquitWait }, 2*time.Second, 5*time.Millisecond)

	// Shutdown cancels the timer task; draining must not have to sit out
	// the remaining autoquit delay.
	supervisor.Cancel("run-time-limit")
	timedOut := supervisor.StopAll(500 * time.Millisecond)
	assert.False(t, timedOut)
	assert.False(t, runner.quitted(), "shutdown owns the engine quit, not the interrupted wait")
}

func TestRun_AutoquitDisabledLeavesProcessRunning(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{
		Autostart: true,
		Autoquit:  configuration.AutoquitDisabled,
		RunTime:   30 * time.Millisecond,
	}
	c, supervisor := newTestController(cfg, runner, nil)
	defer supervisor.StopAll(time.Second)

	require.NoError(t, c.Run(context.Background()))

	assert.Eventually(t, func() bool { return runner.stopCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, runner.quitted())
	assert.Equal(t, PhaseStoppingByTimer, c.Phase())
}

func TestRun_CoordinatorWaitsForExpectedWorkers(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{
		Master:        true,
		ExpectWorkers: 2,
		Autostart:     true,
		Autoquit:      configuration.AutoquitDisabled,
	}
	c, supervisor := newTestController(cfg, runner, nil)
	defer supervisor.StopAll(time.Second)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = c.Run(context.Background())
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, runner.startCalls())
	assert.Equal(t, PhaseAwaitingWorkers, c.Phase())

	runner.mu.Lock()
	runner.readyWorkers = 2
	runner.mu.Unlock()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("controller never started after workers connected")
	}
	require.Len(t, runner.startCalls(), 1)
}

func TestRun_WorkerWaitTimeoutAbortsTheRun(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{
		Master:               true,
		ExpectWorkers:        2,
		ExpectWorkersMaxWait: 20 * time.Millisecond,
		Autostart:            true,
		Autoquit:             configuration.AutoquitDisabled,
	}
	c, supervisor := newTestController(cfg, runner, nil)
	defer supervisor.StopAll(time.Second)
	var exitCode int
	exited := false
	c.exit = func(code int) { exitCode = code; exited = true }

	require.NoError(t, c.Run(context.Background()))

	assert.True(t, exited)
	assert.Equal(t, 1, exitCode)
	assert.True(t, runner.quitted())
	assert.Empty(t, runner.startCalls())
}

func TestRun_ShapeProgramDrivesLoadAndStopsOnce(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{
		Autostart: true,
		Autoquit:  configuration.AutoquitDisabled,
		Headless:  true,
	}
	program := &shape.StagesShape{Stages: singleShortStage()}
	c, supervisor := newTestController(cfg, runner, program)
	defer supervisor.StopAll(time.Second)

	require.NoError(t, c.Run(context.Background()))

	select {
	case <-runner.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shape completion never quit the engine")
	}
	calls := runner.startCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, startCall{users: 5, spawnRate: 2}, calls[0])
}

func singleShortStage() []shape.Stage {
	return []shape.Stage{{Duration: shape.Duration(30 * time.Millisecond), Users: 5, SpawnRate: 2}}
}

func TestRun_CancelledContextSkipsStart(t *testing.T) {
	runner := newFakeRunner()
	cfg := &configuration.Configuration{Autostart: true, Autoquit: configuration.AutoquitDisabled}
	c, supervisor := newTestController(cfg, runner, nil)
	defer supervisor.StopAll(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))
	assert.Empty(t, runner.startCalls())
}

func TestMarkTerminated(t *testing.T) {
	c, supervisor := newTestController(
		&configuration.Configuration{Autoquit: configuration.AutoquitDisabled}, newFakeRunner(), nil)
	defer supervisor.StopAll(time.Second)

	c.MarkTerminated()
	assert.Equal(t, PhaseTerminated, c.Phase())
	assert.False(t, c.TimersArmed())
}
