// internal/sched/schedulerEvent.go

package sched

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusAdmit
	StatusReject
	StatusDispatch
	StatusPreempt
	StatusExhaust
	StatusReplenish
	StatusBlock
	StatusWake
	StatusDeadlineMiss
	StatusRemove
	StatusMigrateOut
	StatusMigrateIn
	StatusStale
)

// StatusEvent is emitted on every scheduling decision. It holds no pointers
// so sending it on a buffered channel does not allocate.
type StatusEvent struct {
	TimeNS     int64
	CPU        int
	Kind       StatusKind
	TaskID     TaskID
	DeadlineNS int64
	BudgetNS   int64
	JitterNS   int64
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusAdmit:
		return "Admit"
	case StatusReject:
		return "Reject"
	case StatusDispatch:
		return "Dispatch"
	case StatusPreempt:
		return "Preempt"
	case StatusExhaust:
		return "Exhaust"
	case StatusReplenish:
		return "Replenish"
	case StatusBlock:
		return "Block"
	case StatusWake:
		return "Wake"
	case StatusDeadlineMiss:
		return "DeadlineMiss"
	case StatusRemove:
		return "Remove"
	case StatusMigrateOut:
		return "MigrateOut"
	case StatusMigrateIn:
		return "MigrateIn"
	case StatusStale:
		return "Stale"
	default:
		return "Unknown"
	}
}
