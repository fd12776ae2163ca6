// Package job generates the execution time each job of a simulated task
// asks for.
package job

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Demand yields the CPU time, in nanoseconds, of a task's successive jobs.
type Demand interface {
	Next() int64
}

// Fixed asks for the same time every job.
type Fixed int64

// Next returns f.
func (f Fixed) Next() int64 { return int64(f) }

// Overrun asks for more than the task's reservation every job.
type Overrun struct {
	WCETNS  int64
	ExtraNS int64
}

// Next returns WCETNS + ExtraNS.
func (o Overrun) Next() int64 { return o.WCETNS + o.ExtraNS }

// Busy never completes a job; the task runs until its budget is gone.
type Busy struct{}

// Next returns the largest possible demand.
func (Busy) Next() int64 { return math.MaxInt64 }

// Normal draws each job from a normal distribution, clamped to
// [MinNS, MaxNS]. The same seed always yields the same sequence.
type Normal struct {
	dist  distuv.Normal
	minNS int64
	maxNS int64
}

// NewNormal returns a normal demand with the given mean and standard
// deviation. Results below 1ns or above maxNS are clamped; maxNS <= 0 means
// no upper bound.
func NewNormal(meanNS, stddevNS float64, maxNS int64, seed uint64) *Normal {
	if maxNS <= 0 {
		maxNS = math.MaxInt64
	}
	return &Normal{
		dist: distuv.Normal{
			Mu:    meanNS,
			Sigma: stddevNS,
			Src:   rand.NewSource(seed),
		},
		minNS: 1,
		maxNS: maxNS,
	}
}

// Next draws the demand of the next job.
func (n *Normal) Next() int64 {
	v := n.dist.Rand()
	switch {
	case v < float64(n.minNS):
		return n.minNS
	case v >= float64(n.maxNS):
		return n.maxNS
	default:
		return int64(v)
	}
}

// Spec describes a demand in a workload file.
type Spec struct {
	Kind   string  `yaml:"kind"`   // fixed, normal, overrun, busy
	Value  string  `yaml:"value"`  // fixed demand or overrun extra, e.g. "1500us"
	Mean   string  `yaml:"mean"`   // normal
	Stddev string  `yaml:"stddev"` // normal
	Scale  float64 `yaml:"scale"`  // normal: mean as a fraction of wcet when Mean is empty
}

// Build turns s into a Demand for a task with the given wcet. An empty kind
// means the task uses exactly its wcet every job. Each task gets its own
// seed so adding a task does not change the others' sequences.
func (s Spec) Build(wcetNS int64, seed uint64) (Demand, error) {
	switch s.Kind {
	case "", "fixed":
		if s.Value == "" {
			return Fixed(wcetNS), nil
		}
		v, err := ParseDuration(s.Value)
		if err != nil {
			return nil, err
		}
		return Fixed(v), nil
	case "overrun":
		v, err := ParseDuration(s.Value)
		if err != nil {
			return nil, err
		}
		return Overrun{WCETNS: wcetNS, ExtraNS: v}, nil
	case "busy":
		return Busy{}, nil
	case "normal":
		mean := float64(wcetNS) * s.Scale
		if s.Mean != "" {
			v, err := ParseDuration(s.Mean)
			if err != nil {
				return nil, err
			}
			mean = float64(v)
		}
		if mean <= 0 {
			return nil, errors.New("normal demand needs a positive mean or scale")
		}
		var stddev float64
		if s.Stddev != "" {
			v, err := ParseDuration(s.Stddev)
			if err != nil {
				return nil, err
			}
			stddev = float64(v)
		}
		return NewNormal(mean, stddev, 0, seed), nil
	default:
		return nil, errors.Errorf("unknown demand kind %q", s.Kind)
	}
}
