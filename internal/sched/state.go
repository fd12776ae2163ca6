package sched

// TaskState is the lifecycle state of a task.
type TaskState uint8

const (
	StateAdmitted TaskState = iota
	StateReady
	StateRunning
	StateBlocked
	StateExhausted
	StateRemoved

	numStates
)

func (s TaskState) String() string {
	switch s {
	case StateAdmitted:
		return "Admitted"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateExhausted:
		return "Exhausted"
	case StateRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// rule lists the states reachable from one source state.
type rule struct {
	from TaskState
	to   []TaskState
}

var rules = []rule{
	{from: StateAdmitted, to: []TaskState{StateReady, StateRemoved}},
	{from: StateReady, to: []TaskState{StateRunning, StateRemoved}},
	{from: StateRunning, to: []TaskState{StateReady, StateBlocked, StateExhausted, StateRemoved}},
	{from: StateBlocked, to: []TaskState{StateReady, StateRemoved}},
	{from: StateExhausted, to: []TaskState{StateReady, StateRemoved}},
}

// transitions[from] is a bitmask of allowed destination states, built once
// so the tick path checks a transition with a single AND.
var transitions = func() (m [numStates]uint8) {
	for _, r := range rules {
		for _, to := range r.to {
			m[r.from] |= 1 << to
		}
	}
	return m
}()

func canTransit(from, to TaskState) bool {
	return from < numStates && transitions[from]&(1<<to) != 0
}
