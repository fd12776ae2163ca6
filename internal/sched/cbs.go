package sched

import (
	log "github.com/sirupsen/logrus"
)

// consume charges elapsedNS of CPU time, starting at startNS, to the running
// real-time task t. Budget saturates at zero; when it reaches zero the task
// leaves the CPU as Exhausted and waits in the release queue for its period
// boundary even if its deadline is still ahead. It reports whether t was
// exhausted.
func (s *Scheduler) consume(t *Task, startNS, elapsedNS int64) bool {
	if elapsedNS < 0 {
		elapsedNS = 0
	}
	before := t.BudgetNS
	if elapsedNS >= before {
		t.BudgetNS = 0
	} else {
		t.BudgetNS -= elapsedNS
	}
	if t.BudgetNS > 0 {
		return false
	}

	// the budget ran out at startNS+before, which is the job's completion
	// time as far as the deadline is concerned
	exhaustedAt := startNS + before
	if exhaustedAt > t.DeadlineNS {
		s.deadlineMiss(t, 1, exhaustedAt)
	}
	s.metrics.exhaustions.Inc(1)
	s.emit(StatusExhaust, t, exhaustedAt, 0)
	s.stopRunning(t, StateExhausted, exhaustedAt)
	return true
}

// rollover starts the period instance containing nowNS. Callers guarantee
// nowNS >= t.DeadlineNS, so budget is never refilled before the boundary
// and unused budget is not carried over. The deadline advances by whole
// periods; with no gaps in ticking that is exactly one period. It returns
// the number of periods skipped.
func (s *Scheduler) rollover(t *Task, nowNS int64) int64 {
	k := (nowNS-t.DeadlineNS)/t.PeriodNS + 1
	t.DeadlineNS += k * t.PeriodNS
	t.BudgetNS = t.WCETNS
	t.jobStarted = false
	s.metrics.replenishments.Inc(1)
	return k
}

// releaseDue moves every Blocked or Exhausted task whose period boundary
// has been reached back to the EDF queue with a full budget. Replenishment
// and requeueing happen together.
func (s *Scheduler) releaseDue(nowNS int64) {
	for {
		e, ok := s.release.PeekEarliest()
		if !ok || e.key > nowNS {
			return
		}
		s.release.PopEarliest()
		t, ok := s.table.get(e.slot, e.id)
		if !ok {
			s.stale(e, "release", nowNS)
			continue
		}
		s.rollover(t, nowNS)
		s.transit(t, StateReady)
		s.ready.Insert(t.DeadlineNS, t.ID, e.slot)
		s.emit(StatusReplenish, t, nowNS, 0)
	}
}

// expireReady handles Ready tasks whose deadline passed before they got the
// CPU: every skipped period counts as a miss and the task is re-keyed with
// its new deadline.
func (s *Scheduler) expireReady(nowNS int64) {
	for {
		e, ok := s.ready.PeekEarliest()
		if !ok || e.key > nowNS {
			return
		}
		t, ok := s.table.get(e.slot, e.id)
		if !ok {
			s.ready.PopEarliest()
			s.stale(e, "ready", nowNS)
			continue
		}
		missed := s.rollover(t, nowNS)
		s.deadlineMiss(t, uint64(missed), nowNS)
		s.ready.FixTop(t.DeadlineNS)
		s.emit(StatusReplenish, t, nowNS, 0)
	}
}

// checkRunningDeadline records a miss for a task still running at or after
// its deadline and rolls it over so it keeps running in the next period.
func (s *Scheduler) checkRunningDeadline(nowNS int64) {
	t := s.current(nowNS)
	if t == nil || t.BestEffort() || nowNS < t.DeadlineNS {
		return
	}
	missed := s.rollover(t, nowNS)
	s.deadlineMiss(t, uint64(missed), nowNS)
	// the job already holds the CPU; no release jitter for it
	t.jobStarted = true
	s.emit(StatusReplenish, t, nowNS, 0)
}

func (s *Scheduler) deadlineMiss(t *Task, n uint64, atNS int64) {
	t.misses += n
	s.window.RecordDeadlineMisses(uint64(t.ID), n)
	s.metrics.deadlineMisses.Inc(int64(n))
	s.emit(StatusDeadlineMiss, t, atNS, 0)
	if s.log.Logger.IsLevelEnabled(log.DebugLevel) {
		s.log.WithFields(log.Fields{
			"task_id":     t.ID,
			"deadline_ns": t.DeadlineNS,
			"at_ns":       atNS,
			"missed":      n,
		}).Debug("Deadline missed")
	}
}
