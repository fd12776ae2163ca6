package sim

import (
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	validator "gopkg.in/validator.v2"

	"cbsedf/internal/job"
	"cbsedf/internal/sched"
)

// Workload mirrors workload.yml
type Workload struct {
	Seed  uint64     `yaml:"seed"`
	Tasks []TaskSpec `yaml:"tasks" validate:"nonzero"`
}

// TaskSpec is one task of a workload. Durations use time.ParseDuration
// syntax ("2ms", "1500us").
type TaskSpec struct {
	Name       string   `yaml:"name" validate:"nonzero"`
	WCET       string   `yaml:"wcet"`
	Period     string   `yaml:"period"`
	CPU        *int     `yaml:"cpu"` // pin to a CPU; unset lets admission choose
	BestEffort bool     `yaml:"best_effort"`
	Start      string   `yaml:"start"` // admission time, 0 by default
	Stop       string   `yaml:"stop"`  // removal time, never by default
	Demand     job.Spec `yaml:"demand"`
}

// LoadWorkload reads a workload file.
func LoadWorkload(path string) (Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workload{}, errors.Wrapf(err, "read workload %s", path)
	}
	w, err := ParseWorkload(data)
	if err != nil {
		return Workload{}, errors.Wrapf(err, "workload %s", path)
	}
	return w, nil
}

// ParseWorkload decodes and validates a YAML workload.
func ParseWorkload(data []byte) (Workload, error) {
	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return w, errors.Wrap(err, "parse")
	}
	if err := validator.Validate(w); err != nil {
		return w, errors.Wrap(err, "validate")
	}
	if _, err := w.compile(); err != nil {
		return w, err
	}
	return w, nil
}

// task is a TaskSpec with durations resolved.
type task struct {
	name       string
	wcetNS     int64
	periodNS   int64
	affinity   int
	bestEffort bool
	startNS    int64
	stopNS     int64 // 0 means never
	demand     job.Demand
}

func (w Workload) compile() ([]task, error) {
	var errs error
	tasks := make([]task, 0, len(w.Tasks))
	for i, spec := range w.Tasks {
		t, err := spec.compile(w.Seed + uint64(i))
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "task %q", spec.Name))
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, errs
}

func (s TaskSpec) compile(seed uint64) (task, error) {
	t := task{
		name:       s.Name,
		affinity:   sched.NoCPU,
		bestEffort: s.BestEffort,
	}
	if s.Name == "" {
		return t, errors.New("task name is required")
	}
	if s.CPU != nil {
		t.affinity = *s.CPU
	}

	var err error
	t.startNS, err = duration(s.Start)
	if err != nil {
		return t, err
	}
	t.stopNS, err = duration(s.Stop)
	if err != nil {
		return t, err
	}
	if t.stopNS != 0 && t.stopNS <= t.startNS {
		return t, errors.Errorf("stop %s is not after start %s", s.Stop, s.Start)
	}
	if s.BestEffort {
		t.demand = job.Busy{}
		return t, nil
	}

	if t.wcetNS, err = duration(s.WCET); err != nil {
		return t, err
	}
	if t.periodNS, err = duration(s.Period); err != nil {
		return t, err
	}
	if t.wcetNS <= 0 || t.periodNS <= 0 {
		return t, errors.New("wcet and period are required")
	}
	t.demand, err = s.Demand.Build(t.wcetNS, seed)
	return t, err
}

func duration(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return job.ParseDuration(s)
}
