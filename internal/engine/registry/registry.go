// Package registry tracks worker readiness and distributes run commands.
// The coordinator counts ready workers here while waiting to start, and
// publishes start/stop/quit commands that workers poll for.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// Workers missing a heartbeat for longer than this are no longer ready.
const workerTTL = 10 * time.Second

const (
	workerKeyPrefix = "loadtest:workers:"
	commandKey      = "loadtest:command"
)

// Action of a distributed run command.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
	ActionQuit  Action = "quit"
)

// Command is published by the coordinator and applied by every worker.
// Seq increases monotonically so workers can skip commands already applied.
type Command struct {
	Seq       int64   `json:"seq"`
	Action    Action  `json:"action"`
	Users     int     `json:"users"`
	SpawnRate float64 `json:"spawnRate"`
}

type WorkerRegistry interface {
	// RegisterWorker marks a worker node as ready.
	RegisterWorker(id string) error
	// Heartbeat refreshes a worker's readiness lease.
	Heartbeat(id string) error
	// DeregisterWorker removes a worker node.
	DeregisterWorker(id string) error
	// ReadyWorkers returns the number of currently ready workers.
	ReadyWorkers() (int, error)
	// PublishCommand makes a command visible to all workers.
	PublishCommand(cmd Command) error
	// CurrentCommand returns the latest published command, if any.
	CurrentCommand() (Command, bool, error)
}

// RedisWorkerRegistry is backed by a shared Redis instance. Workers hold
// their readiness as a TTL key refreshed by heartbeats, so a crashed worker
// drops out of the ready count by itself.
type RedisWorkerRegistry struct {
	db *redis.Client
}

func NewRedisWorkerRegistry(address string) (*RedisWorkerRegistry, error) {
	client := redis.NewClient(&redis.Options{Addr: address})
	err := retry.Do(
		func() error { return client.Ping().Err() },
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
	)
	if err != nil {
		return nil, errors.WithMessagef(err, "connecting to worker registry at %s", address)
	}
	return &RedisWorkerRegistry{db: client}, nil
}

func (r *RedisWorkerRegistry) RegisterWorker(id string) error {
	return r.db.Set(workerKeyPrefix+id, time.Now().Unix(), workerTTL).Err()
}

func (r *RedisWorkerRegistry) Heartbeat(id string) error {
	return r.db.Set(workerKeyPrefix+id, time.Now().Unix(), workerTTL).Err()
}

func (r *RedisWorkerRegistry) DeregisterWorker(id string) error {
	return r.db.Del(workerKeyPrefix + id).Err()
}

func (r *RedisWorkerRegistry) ReadyWorkers() (int, error) {
	keys, err := r.db.Keys(workerKeyPrefix + "*").Result()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *RedisWorkerRegistry) PublishCommand(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return r.db.Set(commandKey, data, 0).Err()
}

func (r *RedisWorkerRegistry) CurrentCommand() (Command, bool, error) {
	data, err := r.db.Get(commandKey).Result()
	if err == redis.Nil {
		return Command{}, false, nil
	}
	if err != nil {
		return Command{}, false, err
	}
	var cmd Command
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		return Command{}, false, err
	}
	return cmd, true, nil
}

// InMemoryWorkerRegistry serves standalone runs and tests.
type InMemoryWorkerRegistry struct {
	mu      sync.Mutex
	workers map[string]time.Time
	command *Command
}

func NewInMemoryWorkerRegistry() *InMemoryWorkerRegistry {
	return &InMemoryWorkerRegistry{workers: map[string]time.Time{}}
}

func (r *InMemoryWorkerRegistry) RegisterWorker(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[id] = time.Now()
	return nil
}

func (r *InMemoryWorkerRegistry) Heartbeat(id string) error {
	return r.RegisterWorker(id)
}

func (r *InMemoryWorkerRegistry) DeregisterWorker(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
	return nil
}

func (r *InMemoryWorkerRegistry) ReadyWorkers() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ready := 0
	for _, seen := range r.workers {
		if time.Since(seen) <= workerTTL {
			ready++
		}
	}
	return ready, nil
}

func (r *InMemoryWorkerRegistry) PublishCommand(cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.command = &cmd
	return nil
}

func (r *InMemoryWorkerRegistry) CurrentCommand() (Command, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.command == nil {
		return Command{}, false, nil
	}
	return *r.command, true, nil
}
