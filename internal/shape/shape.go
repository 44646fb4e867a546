// Package shape implements ramp-shape programs: user-supplied control
// routines that dictate user count and spawn rate over time, superseding the
// run-time-limit behavior.
package shape

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/Mu-L/locust/internal/common/loadtesterrors"
)

// Shape yields the target load at a point in elapsed run time. done reports
// that the program has completed and the run should stop.
type Shape interface {
	Tick(elapsed time.Duration) (users int, spawnRate float64, done bool)
}

// Duration wraps time.Duration so stage durations can be written as "30s"
// or "5m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Stage is one step of a staged shape program.
type Stage struct {
	Duration  Duration `yaml:"duration"`
	Users     int      `yaml:"users"`
	SpawnRate float64  `yaml:"spawnRate"`
}

// StagesShape runs through a fixed list of stages in order.
type StagesShape struct {
	Stages []Stage `yaml:"stages"`
}

func (s *StagesShape) Tick(elapsed time.Duration) (int, float64, bool) {
	var offset time.Duration
	for _, stage := range s.Stages {
		offset += time.Duration(stage.Duration)
		if elapsed < offset {
			return stage.Users, stage.SpawnRate, false
		}
	}
	return 0, 0, true
}

// TotalDuration is the run time of the whole program.
func (s *StagesShape) TotalDuration() time.Duration {
	var total time.Duration
	for _, stage := range s.Stages {
		total += time.Duration(stage.Duration)
	}
	return total
}

func (s *StagesShape) validate() error {
	if len(s.Stages) == 0 {
		return &loadtesterrors.ErrInvalidConfiguration{
			Name:    "stages",
			Value:   0,
			Message: "a shape program needs at least one stage",
		}
	}
	for i, stage := range s.Stages {
		if stage.Duration <= 0 {
			return &loadtesterrors.ErrInvalidConfiguration{
				Name:    "stages",
				Value:   i,
				Message: "stage duration must be positive",
			}
		}
		if stage.Users < 0 || stage.SpawnRate < 0 {
			return &loadtesterrors.ErrInvalidConfiguration{
				Name:    "stages",
				Value:   i,
				Message: "stage users and spawn rate must be non-negative",
			}
		}
	}
	return nil
}

// LoadFromFile reads a staged shape program from a YAML file.
func LoadFromFile(path string) (*StagesShape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading shape file %s", path)
	}
	shape := &StagesShape{}
	if err := yaml.UnmarshalStrict(data, shape); err != nil {
		return nil, errors.WithMessagef(err, "parsing shape file %s", path)
	}
	if err := shape.validate(); err != nil {
		return nil, err
	}
	return shape, nil
}
