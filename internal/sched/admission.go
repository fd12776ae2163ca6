package sched

import (
	"math/big"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
)

// DefaultAdmissionThreshold is the utilization bound applied per CPU. EDF is
// schedulable up to 100% only in theory; CBS accounting, context switches and
// best-effort work sharing the CPU need headroom, so 85% is the conservative
// default. Tune it per deployment through configuration.
const DefaultAdmissionThreshold = 0.85

// AdmissionConfig configures an AdmissionController.
type AdmissionConfig struct {
	Threshold Utilization
	NumCPUs   int
	MaxTasks  int
}

// Reservation is the admission ledger entry of one task.
type Reservation struct {
	ID          TaskID
	CPU         int
	WCETNS      int64
	PeriodNS    int64
	Utilization Utilization
	BestEffort  bool
	Affinity    int // NoCPU unless the request pinned a CPU
}

// AdmissionSnapshot is a read-only copy of the admission ledger.
type AdmissionSnapshot struct {
	Threshold Utilization
	Total     Utilization
	PerCPU    []Utilization
	Entries   []Reservation // sorted by ID
	Accepted  uint64
	Rejected  uint64
}

// AdmissionController is the gatekeeper for real-time tasks. It is shared by
// every CPU of a machine and only touched on admission, removal and
// migration, never from the tick path.
type AdmissionController struct {
	mu sync.Mutex

	threshold   Utilization
	maxTasks    int
	nextID      TaskID
	total       Utilization
	perCPU      []Utilization
	exact       []*big.Rat // per-CPU sum of wcet/period, used for the bound
	bound       *big.Rat
	tasksPerCPU []int
	entries     map[TaskID]Reservation

	accepted atomic.Uint64
	rejected atomic.Uint64
	metrics  *AdmissionMetrics
}

// NewAdmissionController creates a controller for cfg.NumCPUs CPUs.
func NewAdmissionController(cfg AdmissionConfig, scope tally.Scope) *AdmissionController {
	if cfg.NumCPUs <= 0 {
		cfg.NumCPUs = 1
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = UtilizationFromFloat(DefaultAdmissionThreshold)
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	c := &AdmissionController{
		threshold:   cfg.Threshold,
		maxTasks:    cfg.MaxTasks,
		nextID:      1,
		perCPU:      make([]Utilization, cfg.NumCPUs),
		exact:       make([]*big.Rat, cfg.NumCPUs),
		bound:       new(big.Rat).SetFrac64(int64(cfg.Threshold), int64(UtilizationScale)),
		tasksPerCPU: make([]int, cfg.NumCPUs),
		entries:     make(map[TaskID]Reservation),
		metrics:     NewAdmissionMetrics(scope),
	}
	for cpu := range c.exact {
		c.exact[cpu] = new(big.Rat)
	}
	return c
}

// TryAdmit reserves bandwidth for a periodic task. A non-negative affinity
// pins the request to that CPU; otherwise the least utilized CPU is tried.
// Rejections leave the ledger unchanged.
func (c *AdmissionController) TryAdmit(wcetNS, periodNS int64, affinity int) (Reservation, error) {
	if periodNS <= 0 || wcetNS <= 0 || wcetNS > periodNS {
		c.reject()
		return Reservation{}, errors.Wrapf(ErrInvalidParameters,
			"wcet=%dns period=%dns", wcetNS, periodNS)
	}
	u := NewUtilization(wcetNS, periodNS)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxTasks > 0 && len(c.entries) >= c.maxTasks {
		c.reject()
		return Reservation{}, errors.Wrapf(ErrCapacityExceeded, "max_tasks=%d", c.maxTasks)
	}

	cpu := c.pickCPU(affinity, false)
	if !c.fits(cpu, wcetNS, periodNS) {
		c.reject()
		return Reservation{}, &UtilizationExceededError{
			CPU:       cpu,
			Current:   c.perCPU[cpu],
			Requested: u,
			Threshold: c.threshold,
		}
	}

	r := Reservation{
		ID:          c.nextID,
		CPU:         cpu,
		WCETNS:      wcetNS,
		PeriodNS:    periodNS,
		Utilization: u,
		Affinity:    c.affinity(affinity),
	}
	c.nextID++
	c.add(r)
	c.accepted.Inc()
	c.metrics.accepted.Inc(1)

	log.WithFields(log.Fields{
		"task_id":     r.ID,
		"cpu":         cpu,
		"wcet_ns":     wcetNS,
		"period_ns":   periodNS,
		"utilization": u.String(),
		"cpu_total":   c.perCPU[cpu].String(),
	}).Debug("Task admitted")
	return r, nil
}

// AdmitBestEffort registers a task without a bandwidth reservation. It still
// occupies a task slot, so it counts against MaxTasks.
func (c *AdmissionController) AdmitBestEffort(affinity int) (Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxTasks > 0 && len(c.entries) >= c.maxTasks {
		c.reject()
		return Reservation{}, errors.Wrapf(ErrCapacityExceeded, "max_tasks=%d", c.maxTasks)
	}
	r := Reservation{
		ID:         c.nextID,
		CPU:        c.pickCPU(affinity, true),
		BestEffort: true,
		Affinity:   c.affinity(affinity),
	}
	c.nextID++
	c.add(r)
	c.accepted.Inc()
	c.metrics.accepted.Inc(1)
	return r, nil
}

// Remove releases the reservation of id. Removing an unknown or already
// removed id is a no-op.
func (c *AdmissionController) Remove(id TaskID) (Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.entries[id]
	if !ok {
		return Reservation{}, false
	}
	delete(c.entries, id)
	c.total -= r.Utilization
	c.perCPU[r.CPU] -= r.Utilization
	c.charge(r.CPU, r, -1)
	c.tasksPerCPU[r.CPU]--
	c.metrics.removed.Inc(1)
	c.metrics.utilization.Update(c.total.Float())
	return r, true
}

// Move transfers the reservation of id from one CPU to another. It fails if
// the entry is gone, no longer on from, or would not fit on to.
func (c *AdmissionController) Move(id TaskID, from, to int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if to < 0 || to >= len(c.perCPU) || to == from {
		return errors.Errorf("invalid migration target %d", to)
	}
	r, ok := c.entries[id]
	if !ok {
		return errors.Wrapf(ErrUnknownTask, "task %d", id)
	}
	if r.CPU != from {
		return errors.Errorf("task %d is on cpu %d, not %d", id, r.CPU, from)
	}
	if !r.BestEffort && !c.fits(to, r.WCETNS, r.PeriodNS) {
		return &UtilizationExceededError{
			CPU:       to,
			Current:   c.perCPU[to],
			Requested: r.Utilization,
			Threshold: c.threshold,
		}
	}
	c.perCPU[from] -= r.Utilization
	c.charge(from, r, -1)
	c.tasksPerCPU[from]--
	c.perCPU[to] += r.Utilization
	c.charge(to, r, 1)
	c.tasksPerCPU[to]++
	r.CPU = to
	c.entries[id] = r
	c.metrics.moved.Inc(1)
	return nil
}

// Lookup returns the reservation of id.
func (c *AdmissionController) Lookup(id TaskID) (Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[id]
	return r, ok
}

// Utilization returns the sum of all admitted tasks' utilization.
func (c *AdmissionController) Utilization() Utilization {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// CPUUtilization returns the utilization admitted on one CPU.
func (c *AdmissionController) CPUUtilization(cpu int) Utilization {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cpu < 0 || cpu >= len(c.perCPU) {
		return 0
	}
	return c.perCPU[cpu]
}

// Threshold returns the per-CPU admission bound.
func (c *AdmissionController) Threshold() Utilization { return c.threshold }

// NumCPUs returns the number of CPUs the ledger covers.
func (c *AdmissionController) NumCPUs() int { return len(c.perCPU) }

// Counts returns the accepted and rejected admission counters.
func (c *AdmissionController) Counts() (accepted, rejected uint64) {
	return c.accepted.Load(), c.rejected.Load()
}

// Snapshot copies the ledger.
func (c *AdmissionController) Snapshot() AdmissionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := AdmissionSnapshot{
		Threshold: c.threshold,
		Total:     c.total,
		PerCPU:    append([]Utilization(nil), c.perCPU...),
		Entries:   make([]Reservation, 0, len(c.entries)),
		Accepted:  c.accepted.Load(),
		Rejected:  c.rejected.Load(),
	}
	for _, r := range c.entries {
		snap.Entries = append(snap.Entries, r)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].ID < snap.Entries[j].ID })
	return snap
}

// pickCPU must be called with the lock held. Best-effort tasks are spread by
// task count since they carry no utilization.
func (c *AdmissionController) pickCPU(affinity int, bestEffort bool) int {
	if affinity >= 0 && affinity < len(c.perCPU) {
		return affinity
	}
	best := 0
	for cpu := 1; cpu < len(c.perCPU); cpu++ {
		if bestEffort {
			if c.tasksPerCPU[cpu] < c.tasksPerCPU[best] {
				best = cpu
			}
			continue
		}
		if c.perCPU[cpu] < c.perCPU[best] {
			best = cpu
		}
	}
	return best
}

func (c *AdmissionController) affinity(cpu int) int {
	if cpu >= 0 && cpu < len(c.perCPU) {
		return cpu
	}
	return NoCPU
}

func (c *AdmissionController) add(r Reservation) {
	c.entries[r.ID] = r
	c.total += r.Utilization
	c.perCPU[r.CPU] += r.Utilization
	c.charge(r.CPU, r, 1)
	c.tasksPerCPU[r.CPU]++
	c.metrics.utilization.Update(c.total.Float())
}

// fits reports whether wcet/period can join cpu without the exact sum going
// over the bound. Lock held.
func (c *AdmissionController) fits(cpu int, wcetNS, periodNS int64) bool {
	sum := new(big.Rat).Add(c.exact[cpu], big.NewRat(wcetNS, periodNS))
	return sum.Cmp(c.bound) <= 0
}

// charge adds (sign 1) or subtracts (sign -1) r's exact share on cpu.
func (c *AdmissionController) charge(cpu int, r Reservation, sign int64) {
	if r.BestEffort || r.PeriodNS == 0 {
		return
	}
	share := big.NewRat(sign*r.WCETNS, r.PeriodNS)
	c.exact[cpu].Add(c.exact[cpu], share)
}

func (c *AdmissionController) reject() {
	c.rejected.Inc()
	c.metrics.rejected.Inc(1)
}
