package sched

import (
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	validator "gopkg.in/validator.v2"
)

// Config mirrors config.yml
type Config struct {
	TickMS               int     `yaml:"tick_ms" validate:"min=1"`                // 1 (by default)
	SliceTicks           int     `yaml:"slice_ticks" validate:"min=1"`            // best-effort round-robin slice, 5 (by default)
	AdmissionThreshold   float64 `yaml:"admission_threshold"`                     // 0.85 (by default)
	TelemetryWindow      int     `yaml:"telemetry_window" validate:"min=1"`       // 256 (by default)
	MaxTasks             int     `yaml:"max_tasks" validate:"min=1"`              // 64 (by default)
	NumCPUs              int     `yaml:"num_cpus" validate:"min=1"`               // 1 (by default)
	BalanceIntervalTicks int     `yaml:"balance_interval_ticks" validate:"min=1"` // 100 (by default)
	ImbalanceThreshold   float64 `yaml:"imbalance_threshold"`                     // 0.2 (by default)
	EventBuffer          int     `yaml:"event_buffer" validate:"min=0"`           // 256 (by default)
}

// DefaultConfig is used when no config file is given
func DefaultConfig() Config {
	return Config{
		TickMS:               1,
		SliceTicks:           5,
		AdmissionThreshold:   DefaultAdmissionThreshold,
		TelemetryWindow:      256,
		MaxTasks:             64,
		NumCPUs:              1,
		BalanceIntervalTicks: 100,
		ImbalanceThreshold:   0.2,
		EventBuffer:          256,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	if verr := validator.Validate(c); verr != nil {
		err = multierr.Append(err, verr)
	}
	if c.AdmissionThreshold <= 0 || c.AdmissionThreshold > 1 {
		err = multierr.Append(err, errors.Errorf(
			"admission_threshold must be in (0, 1], got %v", c.AdmissionThreshold))
	}
	if c.ImbalanceThreshold < 0 || c.ImbalanceThreshold > 1 {
		err = multierr.Append(err, errors.Errorf(
			"imbalance_threshold must be in [0, 1], got %v", c.ImbalanceThreshold))
	}
	return err
}

// TickNS returns the tick length in nanoseconds.
func (c Config) TickNS() int64 {
	return int64(c.TickMS) * 1_000_000
}

// Threshold returns the admission threshold in fixed point.
func (c Config) Threshold() Utilization {
	return UtilizationFromFloat(c.AdmissionThreshold)
}

// Admission returns the admission controller configuration.
func (c Config) Admission() AdmissionConfig {
	return AdmissionConfig{
		Threshold: c.Threshold(),
		NumCPUs:   c.NumCPUs,
		MaxTasks:  c.MaxTasks,
	}
}
