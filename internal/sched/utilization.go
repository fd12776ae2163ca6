package sched

import (
	"math"
	"math/bits"
	"strconv"
)

// Utilization is a fraction of one CPU in parts per billion.
type Utilization uint64

// UtilizationScale is the fixed-point value of a fully loaded CPU.
const UtilizationScale Utilization = 1_000_000_000

// NewUtilization returns ceil(wcet/period) in fixed point. Rounding up keeps
// the sum over admitted tasks an upper bound of the exact rational sum; the
// admission bound itself is checked on the exact sum.
// Callers guarantee 0 < wcetNS <= periodNS.
func NewUtilization(wcetNS, periodNS int64) Utilization {
	hi, lo := bits.Mul64(uint64(wcetNS), uint64(UtilizationScale))
	// hi < period because wcet <= period, so the quotient fits in 64 bits.
	q, r := bits.Div64(hi, lo, uint64(periodNS))
	if r != 0 {
		q++
	}
	return Utilization(q)
}

// UtilizationFromFloat converts a configured fraction (0.85) to fixed point.
// Only used at configuration time.
func UtilizationFromFloat(f float64) Utilization {
	if f <= 0 {
		return 0
	}
	return Utilization(math.Round(f * float64(UtilizationScale)))
}

// Float returns the utilization as a fraction of one CPU.
func (u Utilization) Float() float64 {
	return float64(u) / float64(UtilizationScale)
}

// Percent returns the utilization in percent, rounded to two decimals.
func (u Utilization) Percent() float64 {
	return math.Round(u.Float()*10000) / 100
}

func (u Utilization) String() string {
	return strconv.FormatFloat(u.Percent(), 'f', -1, 64) + "%"
}
