package registry

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRegistry(t *testing.T) (*RedisWorkerRegistry, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	r, err := NewRedisWorkerRegistry(mr.Addr())
	require.NoError(t, err)
	return r, mr
}

func TestRedisRegistry_WorkerReadiness(t *testing.T) {
	r, _ := newRedisRegistry(t)

	ready, err := r.ReadyWorkers()
	require.NoError(t, err)
	assert.Equal(t, 0, ready)

	require.NoError(t, r.RegisterWorker("node-1"))
	require.NoError(t, r.RegisterWorker("node-2"))
	ready, err = r.ReadyWorkers()
	require.NoError(t, err)
	assert.Equal(t, 2, ready)

	require.NoError(t, r.DeregisterWorker("node-1"))
	ready, err = r.ReadyWorkers()
	require.NoError(t, err)
	assert.Equal(t, 1, ready)
}

func TestRedisRegistry_ReadinessLeaseExpires(t *testing.T) {
	r, mr := newRedisRegistry(t)

	require.NoError(t, r.RegisterWorker("node-1"))
	mr.FastForward(workerTTL + time.Second)

	ready, err := r.ReadyWorkers()
	require.NoError(t, err)
	assert.Equal(t, 0, ready)
}

func TestRedisRegistry_HeartbeatRefreshesLease(t *testing.T) {
	r, mr := newRedisRegistry(t)

	require.NoError(t, r.RegisterWorker("node-1"))
	mr.FastForward(workerTTL / 2)
	require.NoError(t, r.Heartbeat("node-1"))
	mr.FastForward(workerTTL / 2)

	ready, err := r.ReadyWorkers()
	require.NoError(t, err)
	assert.Equal(t, 1, ready)
}

func TestRedisRegistry_CommandRoundTrip(t *testing.T) {
	r, _ := newRedisRegistry(t)

	_, ok, err := r.CurrentCommand()
	require.NoError(t, err)
	assert.False(t, ok)

	published := Command{Seq: 7, Action: ActionStart, Users: 100, SpawnRate: 5}
	require.NoError(t, r.PublishCommand(published))

	got, ok, err := r.CurrentCommand()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, published, got)
}

func TestNewRedisWorkerRegistry_UnreachableAddress(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisWorkerRegistry(addr)
	assert.Error(t, err)
}

func TestInMemoryRegistry_WorkerReadiness(t *testing.T) {
	r := NewInMemoryWorkerRegistry()

	ready, err := r.ReadyWorkers()
	require.NoError(t, err)
	assert.Equal(t, 0, ready)

	require.NoError(t, r.RegisterWorker("node-1"))
	ready, err = r.ReadyWorkers()
	require.NoError(t, err)
	assert.Equal(t, 1, ready)

	require.NoError(t, r.DeregisterWorker("node-1"))
	ready, err = r.ReadyWorkers()
	require.NoError(t, err)
	assert.Equal(t, 0, ready)
}

func TestInMemoryRegistry_CommandRoundTrip(t *testing.T) {
	r := NewInMemoryWorkerRegistry()

	_, ok, err := r.CurrentCommand()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.PublishCommand(Command{Seq: 1, Action: ActionQuit}))
	got, ok, err := r.CurrentCommand()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Command{Seq: 1, Action: ActionQuit}, got)
}
