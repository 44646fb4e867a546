package configuration

import (
	"time"
)

// Role of a process within the load test topology.
type Role int

const (
	// Standalone runs the whole test in a single process.
	Standalone Role = iota
	// Coordinator orchestrates remote workers and owns the run lifecycle.
	Coordinator
	// Worker executes load generation and reports to a coordinator.
	Worker
)

func (r Role) String() string {
	switch r {
	case Coordinator:
		return "coordinator"
	case Worker:
		return "worker"
	default:
		return "standalone"
	}
}

// AutoquitDisabled is the autoquit value meaning "leave the process running
// indefinitely after a timed stop".
const AutoquitDisabled = -1

// Configuration holds all orchestration-relevant settings. It is populated
// from command line flags and an optional config file via viper.
type Configuration struct {
	// Process role flags. Master is implicit when splitting into processes.
	Master bool `mapstructure:"master"`
	Worker bool `mapstructure:"worker"`

	// Number of local processes to split the workload into.
	// -1 means one per CPU, 0 means no splitting.
	Processes int `mapstructure:"processes"`

	// Remote worker expectations for a coordinator.
	ExpectWorkers        int           `mapstructure:"expectWorkers"`
	ExpectWorkersMaxWait time.Duration `mapstructure:"expectWorkersMaxWait"`

	// Run control.
	Headless  bool          `mapstructure:"headless"`
	Headful   bool          `mapstructure:"headful"`
	Autostart bool          `mapstructure:"autostart"`
	Autoquit  int           `mapstructure:"autoquit"` // seconds, -1 disables
	RunTime   time.Duration `mapstructure:"runTime"`
	Users     int           `mapstructure:"users"`
	SpawnRate float64       `mapstructure:"spawnRate"`
	ShapeFile string        `mapstructure:"shapeFile"`

	// Statistics output.
	PrintStats     bool   `mapstructure:"printStats"`
	OnlySummary    bool   `mapstructure:"onlySummary"`
	CsvPrefix      string `mapstructure:"csvPrefix"`
	CsvFullHistory bool   `mapstructure:"csvFullHistory"`
	Json           bool   `mapstructure:"json"`
	JsonFile       string `mapstructure:"jsonFile"`

	// Worker registry used for coordinator/worker readiness. Empty means the
	// in-memory registry (standalone and local process splitting).
	RegistryAddress string `mapstructure:"registryAddress"`

	ExitCodeOnError int    `mapstructure:"exitCodeOnError"`
	MetricsPort     uint16 `mapstructure:"metricsPort"`
	LogLevel        string `mapstructure:"logLevel"`
	Logfile         string `mapstructure:"logfile"`
}

// Role derives the process role from the flags. A coordinator is any
// non-worker process that expects remote workers.
func (c *Configuration) Role() Role {
	switch {
	case c.Worker:
		return Worker
	case c.Master:
		return Coordinator
	default:
		return Standalone
	}
}
