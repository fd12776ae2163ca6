// Package sim replays a workload against a simulated machine. Time is fully
// manual, so a run is a pure function of configuration, workload and seed.
package sim

import (
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"cbsedf/internal/sched"
	"cbsedf/internal/smp"
	"cbsedf/internal/telemetry"
)

// Result is the outcome of one run.
type Result struct {
	Ticks     int64
	Trace     []sched.StatusEvent
	Snapshot  telemetry.Snapshot
	Tasks     []TaskResult
	Rejected  []Rejection
	Admission sched.AdmissionSnapshot
}

// TaskResult is the final state of one admitted task.
type TaskResult struct {
	Name string
	sched.TaskStats
	Removed bool
}

// Rejection is a task admission refused.
type Rejection struct {
	Name   string
	Reason string
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithRecorder streams every status event to r.
func WithRecorder(r *Recorder) Option { return func(s *Simulator) { s.recorder = r } }

// WithScope sets the metrics scope of the simulated machine.
func WithScope(scope tally.Scope) Option { return func(s *Simulator) { s.scope = scope } }

// WithEventHook calls f for every status event, in order.
func WithEventHook(f func(tick int64, ev sched.StatusEvent)) Option {
	return func(s *Simulator) { s.hook = f }
}

// WithoutTrace stops the result from keeping the event trace.
func WithoutTrace() Option { return func(s *Simulator) { s.keepTrace = false } }

// Simulator drives a smp.Machine one tick at a time. Each CPU has its own
// manual clock so a job can finish, or run out of budget, between two ticks:
// the CPU's clock is moved to that instant and the task yields.
type Simulator struct {
	cfg      sched.Config
	tasks    []task
	machine  *smp.Machine
	clocks   []*sched.ManualClock
	recorder *Recorder
	scope    tally.Scope
	hook     func(int64, sched.StatusEvent)

	keepTrace bool
	trace     []sched.StatusEvent

	ids      []sched.TaskID // per task, NoTask until admitted
	removed  []bool
	rejected []Rejection
	byID     map[sched.TaskID]int
	jobs     []jobState
}

// jobState tracks the demand of a task's current job, which is identified
// by its deadline.
type jobState struct {
	deadlineNS int64
	demandNS   int64
}

// New builds a simulator for w.
func New(cfg sched.Config, w Workload, opts ...Option) (*Simulator, error) {
	tasks, err := w.compile()
	if err != nil {
		return nil, err
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = sched.DefaultConfig().EventBuffer
	}
	s := &Simulator{
		cfg:       cfg,
		tasks:     tasks,
		scope:     tally.NoopScope,
		keepTrace: true,
		ids:       make([]sched.TaskID, len(tasks)),
		removed:   make([]bool, len(tasks)),
		byID:      make(map[sched.TaskID]int, len(tasks)),
		jobs:      make([]jobState, len(tasks)),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.clocks = make([]*sched.ManualClock, max(cfg.NumCPUs, 1))
	for i := range s.clocks {
		s.clocks[i] = sched.NewManualClock(0)
	}
	s.machine = smp.New(cfg,
		smp.WithClocks(func(cpu int) sched.Clock { return s.clocks[cpu] }),
		smp.WithScope(s.scope),
	)
	return s, nil
}

// Machine returns the simulated machine.
func (s *Simulator) Machine() *smp.Machine { return s.machine }

// Run simulates n ticks.
func (s *Simulator) Run(n int64) (Result, error) {
	tickNS := s.cfg.TickNS()
	start := s.machine.Ticks()

	for tick := start + 1; tick <= start+n; tick++ {
		nowNS := (tick - 1) * tickNS
		endNS := tick * tickNS

		s.churn(nowNS)
		s.drain(tick)
		for cpu := range s.clocks {
			s.runBetweenTicks(cpu, nowNS, endNS)
		}
		for _, c := range s.clocks {
			c.Set(endNS)
		}
		s.machine.Tick()
		s.drain(tick)
	}

	res := Result{
		Ticks:     s.machine.Ticks(),
		Trace:     s.trace,
		Snapshot:  s.machine.Snapshot(),
		Rejected:  s.rejected,
		Admission: s.machine.Admission().Snapshot(),
	}
	live := map[sched.TaskID]sched.TaskStats{}
	for _, st := range s.machine.Tasks() {
		live[st.ID] = st
	}
	for i, id := range s.ids {
		if id == sched.NoTask {
			continue
		}
		tr := TaskResult{Name: s.tasks[i].name, Removed: s.removed[i]}
		if st, ok := live[id]; ok {
			tr.TaskStats = st
		} else {
			tr.ID = id
			tr.State = sched.StateRemoved
		}
		res.Tasks = append(res.Tasks, tr)
	}
	if s.recorder != nil {
		if err := s.recorder.Flush(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// churn admits and removes workload tasks whose start or stop time is due.
func (s *Simulator) churn(nowNS int64) {
	for i := range s.tasks {
		t := &s.tasks[i]
		if s.ids[i] == sched.NoTask && !s.removed[i] && t.startNS <= nowNS {
			s.admit(i, t)
		}
		if s.ids[i] != sched.NoTask && !s.removed[i] && t.stopNS != 0 && t.stopNS <= nowNS {
			s.machine.Remove(s.ids[i])
			s.removed[i] = true
		}
	}
}

func (s *Simulator) admit(i int, t *task) {
	var (
		id  sched.TaskID
		err error
	)
	if t.bestEffort {
		id, err = s.machine.AddBestEffort(t.affinity)
	} else {
		id, err = s.machine.TryAdmit(t.wcetNS, t.periodNS, t.affinity)
	}
	if err != nil {
		log.WithError(err).WithField("task", t.name).Info("Task rejected")
		s.rejected = append(s.rejected, Rejection{Name: t.name, Reason: err.Error()})
		// never retried
		s.removed[i] = true
		return
	}
	s.ids[i] = id
	s.byID[id] = i
}

// runBetweenTicks lets the running tasks of one CPU finish their jobs or
// use up their budget before endNS, yielding at the exact instant.
func (s *Simulator) runBetweenTicks(cpu int, nowNS, endNS int64) {
	c := s.machine.CPU(cpu)
	clock := s.clocks[cpu]
	clock.Set(nowNS)

	for guard := s.cfg.MaxTasks + 1; guard > 0; guard-- {
		st, ok := c.Running()
		if !ok || st.PeriodNS == 0 {
			return
		}
		i, ok := s.byID[st.ID]
		if !ok {
			return
		}
		j := s.job(i, st)
		remaining := j.demandNS - (st.WCETNS - st.BudgetNS)
		if remaining < 0 {
			remaining = 0
		}
		step := min(remaining, st.BudgetNS)
		if nowNS+step >= endNS {
			return
		}
		nowNS += step
		clock.Set(nowNS)
		s.machine.OnYield(cpu)
	}
}

// job returns the demand of st's current job, drawing a new one when the
// deadline moved.
func (s *Simulator) job(i int, st sched.TaskStats) jobState {
	j := &s.jobs[i]
	if j.deadlineNS != st.DeadlineNS {
		j.deadlineNS = st.DeadlineNS
		j.demandNS = s.tasks[i].demand.Next()
	}
	return *j
}

// drain collects the status events of every CPU in CPU order.
func (s *Simulator) drain(tick int64) {
	for cpu := 0; cpu < s.machine.NumCPUs(); cpu++ {
		ch := s.machine.CPU(cpu).StatusChannel()
		for len(ch) > 0 {
			ev := <-ch
			if s.keepTrace {
				s.trace = append(s.trace, ev)
			}
			if s.recorder != nil {
				s.recorder.Record(tick, ev)
			}
			if s.hook != nil {
				s.hook(tick, ev)
			}
		}
	}
}
