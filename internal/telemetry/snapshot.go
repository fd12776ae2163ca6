package telemetry

import (
	"github.com/montanaflynn/stats"
)

// Stats is a raw copy of one or more windows.
type Stats struct {
	Samples    []int64
	Dispatches uint64
	Misses     uint64
	MaxJitter  int64 // over the window's lifetime, not only the held samples
}

// Snapshot is the read-only telemetry view handed to shell commands,
// exporters and watchdogs.
type Snapshot struct {
	DeadlineMissCount uint64
	Dispatches        uint64
	Samples           int
	JitterP50NS       uint64
	JitterP95NS       uint64
	JitterP99NS       uint64
	JitterMaxNS       uint64

	AdmissionAccepted uint64
	AdmissionRejected uint64
}

// Merge concatenates stats in argument order.
func Merge(all ...Stats) Stats {
	var out Stats
	for _, s := range all {
		out.Samples = append(out.Samples, s.Samples...)
		out.Dispatches += s.Dispatches
		out.Misses += s.Misses
		if s.MaxJitter > out.MaxJitter {
			out.MaxJitter = s.MaxJitter
		}
	}
	return out
}

// Summarize computes percentiles by nearest rank over a sorted copy of the
// samples, so the result depends only on the multiset of samples and never
// on their arrival order.
func Summarize(s Stats) Snapshot {
	snap := Snapshot{
		DeadlineMissCount: s.Misses,
		Dispatches:        s.Dispatches,
		Samples:           len(s.Samples),
		JitterMaxNS:       uint64(s.MaxJitter),
	}
	if len(s.Samples) == 0 {
		return snap
	}

	data := make(stats.Float64Data, len(s.Samples))
	for i, v := range s.Samples {
		data[i] = float64(v)
	}
	snap.JitterP50NS = percentile(data, 50)
	snap.JitterP95NS = percentile(data, 95)
	snap.JitterP99NS = percentile(data, 99)
	return snap
}

func percentile(data stats.Float64Data, p float64) uint64 {
	v, err := stats.PercentileNearestRank(data, p)
	if err != nil || v < 0 {
		return 0
	}
	return uint64(v)
}
