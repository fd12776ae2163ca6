package sched

// TaskID uniquely identifies a task while it is admitted. IDs are issued by
// the admission controller and never reused; 0 means "no task".
type TaskID uint64

// NoTask is the TaskID of an idle CPU.
const NoTask TaskID = 0

// NoCPU marks a task without affinity or migration target.
const NoCPU = -1

// Task is the task control block. It holds no pointers so it can be copied
// by value through a CPU mailbox during migration.
type Task struct {
	ID         TaskID
	DeadlineNS int64 // absolute deadline of the current period instance
	PeriodNS   int64 // 0 for best-effort tasks
	BudgetNS   int64 // remaining CBS budget in this period
	WCETNS     int64 // budget ceiling per period
	State      TaskState
	Affinity   int

	utilization Utilization
	queueSeq    int64 // best-effort FIFO position
	jobStarted  bool  // the current job has been dispatched at least once
	removing    bool  // evict at the next dispatch boundary

	dispatches uint64
	misses     uint64
	lastJitter int64
}

// BestEffort reports whether the task runs without a bandwidth reservation.
func (t *Task) BestEffort() bool { return t.PeriodNS == 0 }

// releaseNS is the start of the current period instance.
func (t *Task) releaseNS() int64 { return t.DeadlineNS - t.PeriodNS }

func newTask(r Reservation, nowNS int64) Task {
	t := Task{
		ID:          r.ID,
		PeriodNS:    r.PeriodNS,
		WCETNS:      r.WCETNS,
		BudgetNS:    r.WCETNS,
		State:       StateAdmitted,
		Affinity:    r.Affinity,
		utilization: r.Utilization,
	}
	if !r.BestEffort {
		t.DeadlineNS = nowNS + r.PeriodNS
	}
	return t
}

// TaskStats is a read-only copy of a task's scheduling state.
type TaskStats struct {
	ID          TaskID
	CPU         int
	State       TaskState
	DeadlineNS  int64
	PeriodNS    int64
	BudgetNS    int64
	WCETNS      int64
	Utilization Utilization
	Dispatches  uint64
	Misses      uint64
	LastJitter  int64
}

func (t *Task) stats(cpu int) TaskStats {
	return TaskStats{
		ID:          t.ID,
		CPU:         cpu,
		State:       t.State,
		DeadlineNS:  t.DeadlineNS,
		PeriodNS:    t.PeriodNS,
		BudgetNS:    t.BudgetNS,
		WCETNS:      t.WCETNS,
		Utilization: t.utilization,
		Dispatches:  t.dispatches,
		Misses:      t.misses,
		LastJitter:  t.lastJitter,
	}
}
