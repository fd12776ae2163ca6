package sched

import (
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
)

const ms = int64(time.Millisecond)

type SchedulerTestSuite struct {
	suite.Suite

	ctrl      *gomock.Controller
	testScope tally.TestScope
	clock     *ManualClock
	cfg       Config
}

func (suite *SchedulerTestSuite) SetupTest() {
	suite.ctrl = gomock.NewController(suite.T())
	suite.testScope = tally.NewTestScope("", map[string]string{})
	suite.clock = NewManualClock(0)
	suite.cfg = DefaultConfig()
	suite.cfg.EventBuffer = 0
}

func (suite *SchedulerTestSuite) TearDownTest() {
	suite.ctrl.Finish()
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (suite *SchedulerTestSuite) newScheduler(opts ...Option) *Scheduler {
	opts = append([]Option{WithClock(suite.clock), WithScope(suite.testScope)}, opts...)
	return New(suite.cfg, opts...)
}

func (suite *SchedulerTestSuite) admit(s *Scheduler, wcet, period int64) TaskID {
	id, err := s.TryAdmit(wcet, period)
	suite.Require().NoError(err)
	return id
}

func (suite *SchedulerTestSuite) stats(s *Scheduler, id TaskID) TaskStats {
	st, ok := s.Stats(id)
	suite.Require().True(ok, "task %d not found", id)
	return st
}

func (suite *SchedulerTestSuite) runningID(s *Scheduler) TaskID {
	st, ok := s.Running()
	if !ok {
		return NoTask
	}
	return st.ID
}

func (suite *SchedulerTestSuite) counter(name string) int64 {
	c, ok := suite.testScope.Snapshot().Counters()[name+"+cpu=0"]
	if !ok {
		return 0
	}
	return c.Value()
}

// tickTo advances the clock one millisecond at a time up to and including
// endNS, ticking after every step.
func (suite *SchedulerTestSuite) tickTo(s *Scheduler, endNS int64) {
	for suite.clock.Now() < endNS {
		suite.clock.Advance(ms)
		s.OnTick()
	}
}

func (suite *SchedulerTestSuite) TestAdmissionRejectsOverThreshold() {
	s := suite.newScheduler()

	suite.admit(s, 2*ms, 10*ms)
	suite.admit(s, 5*ms, 10*ms)
	suite.Equal(Utilization(700_000_000), s.Admission().Utilization())

	_, err := s.TryAdmit(2*ms, 10*ms)
	suite.Error(err)
	suite.True(IsUtilizationExceeded(err))
	suite.Equal("admission rejected: utilization 90% > 85% threshold", err.Error())
	suite.Equal(Utilization(700_000_000), s.Admission().Utilization())
	suite.Len(s.Tasks(), 2)

	accepted, rejected := s.Admission().Counts()
	suite.Equal(uint64(2), accepted)
	suite.Equal(uint64(1), rejected)
}

func (suite *SchedulerTestSuite) TestAdmissionInvalidParameters() {
	s := suite.newScheduler()

	for _, p := range [][2]int64{{0, 10 * ms}, {ms, 0}, {11 * ms, 10 * ms}, {-ms, 10 * ms}} {
		_, err := s.TryAdmit(p[0], p[1])
		suite.True(IsInvalidParameters(err), "wcet=%d period=%d", p[0], p[1])
	}
	suite.Empty(s.Tasks())
	_, rejected := s.Admission().Counts()
	suite.Equal(uint64(4), rejected)
}

func (suite *SchedulerTestSuite) TestAdmissionSumNeverExceedsThreshold() {
	s := suite.newScheduler()

	// period 3ms makes every reservation round up
	for i := 0; i < 10; i++ {
		s.TryAdmit(ms, 3*ms)
	}
	suite.Len(s.Tasks(), 2)
	suite.True(s.Admission().Utilization() <= s.Admission().Threshold())
}

func (suite *SchedulerTestSuite) TestBudgetExhaustionAndReplenish() {
	s := suite.newScheduler()
	id := suite.admit(s, ms, 5*ms)
	suite.Equal(id, suite.runningID(s))

	suite.tickTo(s, ms)
	st := suite.stats(s, id)
	suite.Equal(StateExhausted, st.State)
	suite.Equal(int64(0), st.BudgetNS)
	suite.Equal(NoTask, suite.runningID(s))

	suite.tickTo(s, 4*ms)
	suite.Equal(StateExhausted, suite.stats(s, id).State)

	suite.tickTo(s, 5*ms)
	st = suite.stats(s, id)
	suite.Equal(StateRunning, st.State)
	suite.Equal(10*ms, st.DeadlineNS)
	suite.Equal(ms, st.BudgetNS)
	suite.Equal(int64(0), st.LastJitter)
	suite.Equal(int64(1), suite.counter("sched.budget_exhausted"))
	suite.Equal(int64(1), suite.counter("sched.replenishments"))
}

func (suite *SchedulerTestSuite) TestEarlierDeadlinePreempts() {
	sw := NewMockContextSwitcher(suite.ctrl)
	s := suite.newScheduler(WithSwitcher(sw))

	gomock.InOrder(
		sw.EXPECT().Switch(0, NoTask, TaskID(1)),
		sw.EXPECT().Switch(0, TaskID(1), TaskID(2)),
	)
	t1 := suite.admit(s, 10*ms, 100*ms)
	t2 := suite.admit(s, 5*ms, 50*ms)
	suite.Equal(t1, suite.runningID(s))
	suite.Equal(StateReady, suite.stats(s, t2).State)

	suite.tickTo(s, ms)
	suite.Equal(t2, suite.runningID(s))
	st := suite.stats(s, t1)
	suite.Equal(StateReady, st.State)
	suite.Equal(100*ms, st.DeadlineNS)
	suite.Equal(9*ms, st.BudgetNS)
	suite.Equal(int64(1), suite.counter("sched.preemptions"))
}

func (suite *SchedulerTestSuite) TestEqualDeadlineDoesNotPreempt() {
	s := suite.newScheduler()
	t1 := suite.admit(s, 5*ms, 10*ms)
	suite.admit(s, 2*ms, 10*ms)

	suite.tickTo(s, 3*ms)
	suite.Equal(t1, suite.runningID(s))
	suite.Equal(int64(0), suite.counter("sched.preemptions"))
}

func (suite *SchedulerTestSuite) TestDispatchOrderFollowsDeadlines() {
	var order []TaskID
	s := suite.newScheduler(WithSwitcher(SwitcherFunc(func(_ int, _, to TaskID) {
		if to != NoTask {
			order = append(order, to)
		}
	})))

	a := suite.admit(s, ms, 30*ms)
	b := suite.admit(s, ms, 20*ms)
	c := suite.admit(s, ms, 10*ms)
	suite.tickTo(s, 3*ms)

	suite.Equal([]TaskID{a, c, b}, order)
	suite.Equal(NoTask, suite.runningID(s))
}

func (suite *SchedulerTestSuite) TestBlockWakeAndLateCompletion() {
	s := suite.newScheduler()
	id := suite.admit(s, 2*ms, 10*ms)

	suite.clock.Set(ms)
	s.OnYield()
	st := suite.stats(s, id)
	suite.Equal(StateBlocked, st.State)
	suite.Equal(ms, st.BudgetNS)
	suite.Equal(NoTask, suite.runningID(s))

	suite.clock.Set(9*ms + 1)
	suite.True(s.Wake(id))
	suite.Equal(id, suite.runningID(s))
	// wake does not replenish
	suite.Equal(ms, suite.stats(s, id).BudgetNS)

	suite.clock.Set(10*ms + 1)
	s.OnTick()
	st = suite.stats(s, id)
	suite.Equal(uint64(1), st.Misses)
	suite.Equal(StateRunning, st.State)
	suite.Equal(20*ms, st.DeadlineNS)
	suite.Equal(2*ms, st.BudgetNS)
	suite.Equal(uint64(1), s.Telemetry().DeadlineMissCount)
}

func (suite *SchedulerTestSuite) TestWakeRules() {
	s := suite.newScheduler()
	id := suite.admit(s, 2*ms, 10*ms)

	suite.False(s.Wake(id), "running task")
	suite.False(s.Wake(TaskID(42)), "unknown task")

	suite.clock.Set(2 * ms)
	s.OnYield()
	// budget hit zero exactly at the yield
	suite.Equal(StateExhausted, suite.stats(s, id).State)
	suite.False(s.Wake(id))

	suite.tickTo(s, 10*ms)
	suite.Equal(StateRunning, suite.stats(s, id).State)
	suite.clock.Set(11 * ms)
	s.OnYield()
	suite.Equal(StateBlocked, suite.stats(s, id).State)

	// past the deadline the task waits for its period boundary
	suite.clock.Set(20 * ms)
	suite.False(s.Wake(id))
	s.OnTick()
	st := suite.stats(s, id)
	suite.Equal(StateRunning, st.State)
	suite.Equal(30*ms, st.DeadlineNS)
	suite.Equal(uint64(0), st.Misses)
}

func (suite *SchedulerTestSuite) TestRunningPastDeadlineIsMiss() {
	s := suite.newScheduler()
	id := suite.admit(s, 5*ms, 10*ms)

	suite.clock.Set(3 * ms)
	s.OnYield()
	suite.clock.Set(9*ms + 500_000)
	suite.True(s.Wake(id))

	suite.clock.Set(10 * ms)
	s.OnTick()
	st := suite.stats(s, id)
	suite.Equal(StateRunning, st.State)
	suite.Equal(uint64(1), st.Misses)
	suite.Equal(20*ms, st.DeadlineNS)
	suite.Equal(5*ms, st.BudgetNS)
}

func (suite *SchedulerTestSuite) TestReadyPastDeadlineCountsSkippedPeriods() {
	s := suite.newScheduler()
	t1 := suite.admit(s, ms, 10*ms)
	t2 := suite.admit(s, ms, 10*ms)

	// one late tick covering three and a half periods
	suite.clock.Set(35 * ms)
	s.OnTick()

	st2 := suite.stats(s, t2)
	suite.Equal(uint64(3), st2.Misses)
	suite.Equal(40*ms, st2.DeadlineNS)
	suite.Equal(StateReady, st2.State)

	st1 := suite.stats(s, t1)
	suite.Equal(uint64(0), st1.Misses)
	suite.Equal(40*ms, st1.DeadlineNS)
	suite.Equal(t1, suite.runningID(s))
	suite.Equal(uint64(3), s.Telemetry().DeadlineMissCount)
}

func (suite *SchedulerTestSuite) TestBudgetConservation() {
	onCPU := map[int64]int64{}
	var since int64
	var id TaskID
	s := suite.newScheduler(WithSwitcher(SwitcherFunc(func(_ int, from, to TaskID) {
		now := suite.clock.Now()
		if to == id && id != NoTask {
			since = now
		}
		if from == id && id != NoTask {
			onCPU[since/(10*ms)] += now - since
		}
	})))
	id = 1
	suite.Equal(id, suite.admit(s, 3*ms, 10*ms))

	suite.tickTo(s, 100*ms)
	suite.Len(onCPU, 10)
	for period, used := range onCPU {
		suite.Equal(3*ms, used, "period %d", period)
	}
}

func (suite *SchedulerTestSuite) TestSchedulableSetMeetsDeadlines() {
	s := suite.newScheduler()
	t1 := suite.admit(s, 2*ms, 5*ms)
	t2 := suite.admit(s, 3*ms, 10*ms)

	for i := 0; i < 1000; i++ {
		suite.clock.Advance(ms)
		s.OnTick()
		for _, st := range s.Tasks() {
			suite.True(st.BudgetNS >= 0 && st.BudgetNS <= st.WCETNS)
		}
	}
	suite.Equal(uint64(0), suite.stats(s, t1).Misses)
	suite.Equal(uint64(0), suite.stats(s, t2).Misses)
	suite.Equal(uint64(0), s.Telemetry().DeadlineMissCount)
}

func (suite *SchedulerTestSuite) TestNoDeadlineDrift() {
	s := suite.newScheduler()
	id := suite.admit(s, ms, 5*ms)

	const periods = 10000
	for i := 0; i < periods*5; i++ {
		suite.clock.Advance(ms)
		s.OnTick()
	}
	st := suite.stats(s, id)
	suite.Equal(5*ms*(periods+1), st.DeadlineNS)
	suite.Equal(uint64(periods+1), st.Dispatches)
	suite.Equal(uint64(0), st.Misses)
	suite.Equal(uint64(0), s.Telemetry().JitterMaxNS)
}

func (suite *SchedulerTestSuite) TestRemoveIsIdempotent() {
	s := suite.newScheduler()
	t1 := suite.admit(s, 2*ms, 10*ms)
	t2 := suite.admit(s, 2*ms, 10*ms)

	s.Remove(t2)
	s.Remove(t2)
	s.Remove(TaskID(99))
	_, ok := s.Stats(t2)
	suite.False(ok)
	suite.Equal(Utilization(200_000_000), s.Admission().Utilization())

	// a running task keeps the CPU until the next boundary
	s.Remove(t1)
	suite.Equal(Utilization(0), s.Admission().Utilization())
	suite.Equal(t1, suite.runningID(s))

	suite.tickTo(s, ms)
	suite.Equal(NoTask, suite.runningID(s))
	suite.Empty(s.Tasks())
	suite.Equal(int64(2), suite.counter("sched.evictions"))

	// the slot is reusable and the ID is not
	t3 := suite.admit(s, 2*ms, 10*ms)
	suite.True(t3 > t2)
}

func (suite *SchedulerTestSuite) TestRemoveBlockedTask() {
	s := suite.newScheduler()
	id := suite.admit(s, 2*ms, 10*ms)
	suite.clock.Set(ms)
	s.OnYield()

	s.Remove(id)
	suite.Empty(s.Tasks())
	suite.tickTo(s, 20*ms)
	suite.Equal(int64(0), suite.counter("sched.stale_entries"))
}

func (suite *SchedulerTestSuite) TestStaleQueueEntryIsSkipped() {
	s := suite.newScheduler()
	s.mu.Lock()
	s.ready.Insert(50*ms, TaskID(77), 3)
	s.mu.Unlock()

	s.OnTick()
	suite.Equal(NoTask, suite.runningID(s))
	suite.Equal(0, s.ReadyLen())
	suite.Equal(int64(1), suite.counter("sched.stale_entries"))
}

func (suite *SchedulerTestSuite) TestBestEffortRoundRobin() {
	suite.cfg.SliceTicks = 2
	var order []TaskID
	s := suite.newScheduler(WithSwitcher(SwitcherFunc(func(_ int, _, to TaskID) {
		order = append(order, to)
	})))

	a, err := s.AddBestEffort()
	suite.NoError(err)
	b, err := s.AddBestEffort()
	suite.NoError(err)

	suite.tickTo(s, 6*ms)
	suite.Equal([]TaskID{a, b, a, b}, order)
}

func (suite *SchedulerTestSuite) TestRealTimePreemptsBestEffort() {
	s := suite.newScheduler()
	be, err := s.AddBestEffort()
	suite.NoError(err)
	suite.Equal(be, suite.runningID(s))

	rt := suite.admit(s, ms, 10*ms)
	suite.Equal(be, suite.runningID(s))

	suite.tickTo(s, ms)
	suite.Equal(rt, suite.runningID(s))
	suite.Equal(StateReady, suite.stats(s, be).State)
	// best-effort work gets the budget-exhausted CPU
	suite.tickTo(s, 2*ms)
	suite.Equal(be, suite.runningID(s))
}

func (suite *SchedulerTestSuite) TestJitterTelemetry() {
	s := suite.newScheduler()
	suite.admit(s, ms, 10*ms)
	suite.admit(s, ms, 10*ms)

	suite.tickTo(s, 2*ms)
	snap := s.Telemetry()
	suite.Equal(2, snap.Samples)
	suite.Equal(uint64(0), snap.JitterP50NS)
	suite.Equal(uint64(ms), snap.JitterP99NS)
	suite.Equal(uint64(ms), snap.JitterMaxNS)
	suite.Equal(uint64(2), snap.AdmissionAccepted)
}

func (suite *SchedulerTestSuite) TestNestedAndDeferredTicks() {
	s := suite.newScheduler()
	suite.admit(s, 5*ms, 10*ms)

	s.inDispatch.Store(true)
	s.OnTick()
	s.inDispatch.Store(false)
	suite.Equal(int64(1), suite.counter("sched.nested_ticks"))

	s.mu.Lock()
	s.OnTick()
	s.mu.Unlock()
	suite.Equal(int64(1), suite.counter("sched.deferred_ticks"))
	suite.Equal(int64(0), s.Ticks())
}

func (suite *SchedulerTestSuite) TestDeferredYieldUsesYieldTime() {
	s := suite.newScheduler()
	id := suite.admit(s, 5*ms, 10*ms)

	suite.clock.Set(ms)
	s.mu.Lock()
	s.OnYield()
	s.mu.Unlock()
	suite.Equal(StateRunning, suite.stats(s, id).State)

	suite.clock.Set(2 * ms)
	s.OnTick()
	st := suite.stats(s, id)
	suite.Equal(StateBlocked, st.State)
	suite.Equal(4*ms, st.BudgetNS)
}

func (suite *SchedulerTestSuite) TestCapacity() {
	suite.cfg.MaxTasks = 2
	s := suite.newScheduler()
	suite.admit(s, ms, 10*ms)
	suite.admit(s, ms, 10*ms)

	_, err := s.TryAdmit(ms, 10*ms)
	suite.Error(err)
	_, err = s.AddBestEffort()
	suite.Error(err)
}

func (suite *SchedulerTestSuite) TestStatusEvents() {
	suite.cfg.EventBuffer = 16
	s := suite.newScheduler()
	id := suite.admit(s, ms, 5*ms)
	suite.tickTo(s, ms)

	var kinds []StatusKind
	for len(s.StatusChannel()) > 0 {
		ev := <-s.StatusChannel()
		if ev.Kind != StatusIdle {
			suite.Equal(id, ev.TaskID)
		}
		kinds = append(kinds, ev.Kind)
	}
	suite.Equal([]StatusKind{StatusAdmit, StatusDispatch, StatusExhaust, StatusIdle}, kinds)
}

func (suite *SchedulerTestSuite) TestTickDoesNotAllocate() {
	s := suite.newScheduler()
	suite.admit(s, 2*ms, 5*ms)
	suite.admit(s, ms, 10*ms)

	allocs := testing.AllocsPerRun(1000, func() {
		suite.clock.Advance(ms)
		s.OnTick()
	})
	suite.Equal(float64(0), allocs)
}

func runTrace(cfg Config) []StatusEvent {
	cfg.EventBuffer = 4096
	clock := NewManualClock(0)
	s := New(cfg, WithClock(clock))
	s.TryAdmit(2*ms, 5*ms)
	s.TryAdmit(3*ms, 15*ms)
	be, _ := s.AddBestEffort()

	var out []StatusEvent
	for i := 1; i <= 200; i++ {
		clock.Set(int64(i) * ms)
		if i%7 == 0 {
			s.OnYield()
		}
		if i%11 == 0 {
			s.Wake(1)
			s.Wake(be)
		}
		s.OnTick()
		for len(s.StatusChannel()) > 0 {
			out = append(out, <-s.StatusChannel())
		}
	}
	return out
}

func (suite *SchedulerTestSuite) TestDeterministicReplay() {
	first := runTrace(suite.cfg)
	second := runTrace(suite.cfg)
	suite.NotEmpty(first)
	suite.Equal(first, second)
}

func BenchmarkOnTick(b *testing.B) {
	clock := NewManualClock(0)
	s := New(DefaultConfig(), WithClock(clock))
	for i := 0; i < 8; i++ {
		s.TryAdmit(ms, 10*ms)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		clock.Advance(ms)
		s.OnTick()
	}
}
