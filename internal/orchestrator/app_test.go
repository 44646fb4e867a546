package orchestrator

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mu-L/locust/internal/configuration"
	"github.com/Mu-L/locust/internal/events"
)

// Drives a complete headless standalone run in-process: normalize, start,
// run-time limit, shutdown, final stats, exit code. Only one lifecycle test
// runs per process because the task supervisor registers process-wide
// metrics.
func TestApp_HeadlessRunLifecycle(t *testing.T) {
	config := &configuration.Configuration{
		Headless:        true,
		RunTime:         50 * time.Millisecond,
		Users:           2,
		SpawnRate:       1000,
		Autoquit:        configuration.AutoquitDisabled,
		ExitCodeOnError: 1,
		LogLevel:        "info",
	}

	app := New(config)
	out := &bytes.Buffer{}
	app.Out = out
	exited := make(chan int, 1)
	app.exit = func(code int) { exited <- code }

	var phases []string
	app.Bus().Register(events.PhaseInit, "probe", func(interface{}) error {
		phases = append(phases, events.PhaseInit)
		return nil
	})
	app.Bus().Register(events.PhaseQuit, "probe", func(interface{}) error {
		phases = append(phases, events.PhaseQuit)
		return nil
	})

	require.NoError(t, app.Run())

	select {
	case code := <-exited:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle never exited")
	}
	assert.Equal(t, []string{events.PhaseInit, events.PhaseQuit}, phases)
	assert.Contains(t, out.String(), "Aggregated")
	assert.True(t, config.Autostart, "headless mode implies autostart")
}

func TestApp_InvalidConfigurationIsReturned(t *testing.T) {
	config := &configuration.Configuration{
		Master:          true,
		Worker:          true,
		Autoquit:        configuration.AutoquitDisabled,
		ExitCodeOnError: 1,
	}
	app := New(config)
	assert.Error(t, app.Run())
}
