package smp

import (
	"github.com/emirpasic/gods/trees/redblacktree"

	"cbsedf/internal/sched"
)

// Move is one planned migration.
type Move struct {
	TaskID      sched.TaskID
	From        int
	To          int
	Utilization sched.Utilization
}

// Balancer plans at most one migration per call, from the most to the least
// utilized CPU. It only looks at the admission ledger.
type Balancer struct {
	imbalance sched.Utilization
	threshold sched.Utilization
}

// NewBalancer returns a balancer that acts when the utilization gap between
// two CPUs exceeds imbalance.
func NewBalancer(imbalance, threshold sched.Utilization) *Balancer {
	return &Balancer{imbalance: imbalance, threshold: threshold}
}

// cpuKey is used as a key in the red-black tree.
type cpuKey struct {
	util sched.Utilization
	cpu  int
}

// cmp orders CPUs by utilization, then by index.
func cmp(a, b any) int {
	ka, kb := a.(cpuKey), b.(cpuKey)
	switch {
	case ka.util < kb.util:
		return -1
	case ka.util > kb.util:
		return 1
	case ka.cpu < kb.cpu:
		return -1
	case ka.cpu > kb.cpu:
		return 1
	default:
		return 0
	}
}

// Plan picks a task on the busiest CPU to move to the idlest one. The task
// must be real-time, unpinned, not running, smaller than the gap so the move
// narrows it, and must fit under the admission threshold on the target. The
// largest such task wins; ties go to the lowest ID.
func (b *Balancer) Plan(snap sched.AdmissionSnapshot, running map[sched.TaskID]bool) (Move, bool) {
	if len(snap.PerCPU) < 2 {
		return Move{}, false
	}
	rank := redblacktree.NewWith(cmp)
	for cpu, u := range snap.PerCPU {
		rank.Put(cpuKey{util: u, cpu: cpu}, cpu)
	}
	lo := rank.Left().Key.(cpuKey)
	hi := rank.Right().Key.(cpuKey)
	gap := hi.util - lo.util
	if gap <= b.imbalance {
		return Move{}, false
	}

	var best Move
	found := false
	for _, r := range snap.Entries {
		if r.CPU != hi.cpu || r.BestEffort || r.Affinity != sched.NoCPU || running[r.ID] {
			continue
		}
		if r.Utilization >= gap || lo.util+r.Utilization > b.threshold {
			continue
		}
		if !found || r.Utilization > best.Utilization {
			best = Move{TaskID: r.ID, From: hi.cpu, To: lo.cpu, Utilization: r.Utilization}
			found = true
		}
	}
	return best, found
}
