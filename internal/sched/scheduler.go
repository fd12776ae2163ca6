// internal/sched/scheduler.go

package sched

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"

	"cbsedf/internal/telemetry"
)

// Scheduler is one CPU's CBS+EDF scheduler: task table, EDF ready queue,
// release queue, best-effort FIFO, dispatcher and telemetry window.
//
// OnTick, OnYield and OnSignal are the hot path. They never block and do not
// allocate: they only TryLock the instance and skip (or defer) their work
// when a cold-path caller holds it. Everything else (admission, removal,
// wake-ups, snapshots) takes the lock normally.
type Scheduler struct {
	mu sync.Mutex // protects the scheduler state

	inDispatch   atomic.Bool // re-entrancy guard for the hot path
	pendingYield atomic.Bool
	yieldAtNS    atomic.Int64
	ticks        atomic.Int64

	cpu       int
	clock     Clock
	admission *AdmissionController
	switcher  ContextSwitcher
	router    Router

	table      *table
	ready      *readyQueue // Ready real-time tasks keyed by deadline
	release    *readyQueue // Blocked/Exhausted real-time tasks keyed by period boundary
	background *readyQueue // Ready best-effort tasks keyed by FIFO sequence

	running       int32  // slot of the Running task, -1 when none
	runningID     TaskID // to detect a stale running slot
	onCPU         TaskID // task whose context is loaded
	lastAccountNS int64
	sliceTicks    int
	sliceLeft     int
	seq           int64

	orphans map[TaskID]struct{} // removed while migrating to this CPU

	window   *telemetry.Window
	mailbox  chan Message
	statusCh chan StatusEvent // channel for status events
	metrics  *Metrics
	log      *log.Entry
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	cpu       int
	clock     Clock
	switcher  ContextSwitcher
	router    Router
	admission *AdmissionController
	scope     tally.Scope
}

// WithCPU sets the CPU index of the instance.
func WithCPU(cpu int) Option { return func(o *options) { o.cpu = cpu } }

// WithClock sets the timebase. The default is a ManualClock at zero.
func WithClock(c Clock) Option { return func(o *options) { o.clock = c } }

// WithSwitcher sets the context switch primitive.
func WithSwitcher(sw ContextSwitcher) Option { return func(o *options) { o.switcher = sw } }

// WithRouter sets where migrated tasks are posted.
func WithRouter(r Router) Option { return func(o *options) { o.router = r } }

// WithAdmission shares an admission controller between CPUs.
func WithAdmission(c *AdmissionController) Option { return func(o *options) { o.admission = c } }

// WithScope sets the metrics scope.
func WithScope(scope tally.Scope) Option { return func(o *options) { o.scope = scope } }

// New creates a new Scheduler instance with the given configuration.
func New(cfg Config, opts ...Option) *Scheduler {
	o := options{
		switcher: nopSwitcher{},
		scope:    tally.NoopScope,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = NewManualClock(0)
	}
	if o.admission == nil {
		acfg := cfg.Admission()
		acfg.NumCPUs = o.cpu + 1
		o.admission = NewAdmissionController(acfg, o.scope)
	}
	capacity := cfg.MaxTasks
	if capacity <= 0 {
		capacity = DefaultConfig().MaxTasks
	}
	sliceTicks := cfg.SliceTicks
	if sliceTicks <= 0 {
		sliceTicks = DefaultConfig().SliceTicks
	}

	s := &Scheduler{
		cpu:        o.cpu,
		clock:      o.clock,
		admission:  o.admission,
		switcher:   o.switcher,
		router:     o.router,
		table:      newTable(capacity),
		ready:      newReadyQueue(capacity),
		release:    newReadyQueue(capacity),
		background: newReadyQueue(capacity),
		running:    -1,
		sliceTicks: sliceTicks,
		orphans:    make(map[TaskID]struct{}),
		window:     telemetry.NewWindow(cfg.TelemetryWindow),
		mailbox:    make(chan Message, 2*capacity),
		metrics:    NewMetrics(o.scope, o.cpu),
		log:        log.WithFields(log.Fields{"component": "sched", "cpu": o.cpu}),
	}
	if cfg.EventBuffer > 0 {
		s.statusCh = make(chan StatusEvent, cfg.EventBuffer)
	}
	s.lastAccountNS = s.clock.Now()
	return s
}

// CPU returns the CPU index of this instance.
func (s *Scheduler) CPU() int { return s.cpu }

// Admission returns the admission controller used by this instance.
func (s *Scheduler) Admission() *AdmissionController { return s.admission }

// StatusChannel exposes the read-only event stream, or nil when the event
// buffer is disabled. Events are dropped, not queued, when nobody reads.
func (s *Scheduler) StatusChannel() <-chan StatusEvent { return s.statusCh }

// Ticks returns the number of ticks processed.
func (s *Scheduler) Ticks() int64 { return s.ticks.Load() }

// TryAdmit runs admission control for a periodic task on this CPU and, on
// success, releases it with budget = wcet and deadline = now + period.
func (s *Scheduler) TryAdmit(wcetNS, periodNS int64) (TaskID, error) {
	r, err := s.admission.TryAdmit(wcetNS, periodNS, s.cpu)
	if err != nil {
		s.mu.Lock()
		s.emitID(StatusReject, NoTask, s.clock.Now())
		s.mu.Unlock()
		return NoTask, err
	}
	if err := s.Attach(r); err != nil {
		s.admission.Remove(r.ID)
		return NoTask, err
	}
	return r.ID, nil
}

// AddBestEffort adds a task without a reservation. It only runs when no
// real-time task is Ready.
func (s *Scheduler) AddBestEffort() (TaskID, error) {
	r, err := s.admission.AdmitBestEffort(s.cpu)
	if err != nil {
		return NoTask, err
	}
	if err := s.Attach(r); err != nil {
		s.admission.Remove(r.ID)
		return NoTask, err
	}
	return r.ID, nil
}

// Attach creates the descriptor for a reservation already granted by the
// admission controller and makes it Ready. An idle CPU dispatches at once.
func (s *Scheduler) Attach(r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	slot, ok := s.table.insert(newTask(r, now))
	if !ok {
		return errors.Wrapf(ErrCapacityExceeded, "cpu %d", s.cpu)
	}
	t := &s.table.tasks[slot]
	if t.BestEffort() {
		s.seq++
		t.queueSeq = s.seq
	}
	s.emit(StatusAdmit, t, now, 0)
	s.transit(t, StateReady)
	s.enqueue(slot, t)
	if s.running < 0 {
		s.dispatch(now)
	}
	return nil
}

// Remove releases id's reservation and evicts it from this CPU. It is safe
// to call from any goroutine and removing an unknown id is a no-op. A
// Running task is evicted at the next dispatch boundary.
func (s *Scheduler) Remove(id TaskID) {
	s.admission.Remove(id)
	s.Evict(id)
}

// Evict drops id from this CPU without touching the admission ledger. It
// reports whether the task was found here.
func (s *Scheduler) Evict(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.table.lookup(id)
	if !ok {
		return false
	}
	if slot == s.running {
		s.table.tasks[slot].removing = true
		return true
	}
	s.evict(slot, s.clock.Now())
	return true
}

// Tombstone is Evict for a task that may still be in flight to this CPU:
// if the descriptor has not arrived yet, the arriving migration is dropped.
func (s *Scheduler) Tombstone(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.table.lookup(id)
	switch {
	case !ok:
		s.orphans[id] = struct{}{}
	case slot == s.running:
		s.table.tasks[slot].removing = true
	default:
		s.evict(slot, s.clock.Now())
	}
}

// Wake makes a Blocked task Ready again. A real-time task resumes its
// current job only while it has budget left and its deadline is ahead;
// otherwise it stays Blocked until its period boundary. Wake does not
// replenish budget.
func (s *Scheduler) Wake(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	slot, ok := s.table.lookup(id)
	if !ok {
		return false
	}
	t := &s.table.tasks[slot]
	if t.State != StateBlocked {
		return false
	}
	if !t.BestEffort() {
		if t.BudgetNS == 0 || now >= t.DeadlineNS {
			return false
		}
		s.release.Remove(slot)
	} else {
		s.seq++
		t.queueSeq = s.seq
	}
	s.transit(t, StateReady)
	s.enqueue(slot, t)
	s.emit(StatusWake, t, now, 0)
	if s.running < 0 {
		s.dispatch(now)
	}
	return true
}

// OnTick is the timer interrupt entry point. It charges the running task,
// handles period boundaries and deadline misses, and re-evaluates the EDF
// decision. Preemption of the running task only happens here.
func (s *Scheduler) OnTick() {
	if !s.inDispatch.CompareAndSwap(false, true) {
		s.metrics.nestedTicks.Inc(1)
		return
	}
	defer s.inDispatch.Store(false)
	if !s.mu.TryLock() {
		// time-based accounting catches up on the next tick
		s.metrics.deferredTicks.Inc(1)
		return
	}
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.ticks.Inc()
	if s.pendingYield.Swap(false) {
		s.yield(s.yieldAtNS.Load())
	}
	s.account(now)
	s.drainMailbox(now)
	s.tickSlice(now)
	s.evictRunning(now)
	s.releaseDue(now)
	s.expireReady(now)
	s.checkRunningDeadline(now)
	s.reschedule(now)
	s.metrics.readyQueueLength.Update(float64(s.ready.Len()))
}

// OnYield is called when the running task blocks voluntarily (its job is
// done) or its budget hits zero between ticks. The next task is dispatched
// immediately.
func (s *Scheduler) OnYield() {
	now := s.clock.Now()
	if !s.inDispatch.CompareAndSwap(false, true) {
		s.deferYield(now)
		return
	}
	defer s.inDispatch.Store(false)
	if !s.mu.TryLock() {
		s.deferYield(now)
		return
	}
	defer s.mu.Unlock()

	if s.pendingYield.Swap(false) {
		s.yield(s.yieldAtNS.Load())
	}
	s.yield(now)
	s.evictRunning(now)
	s.reschedule(now)
}

// OnSignal is the inter-processor signal entry point: it drains the mailbox
// and dispatches if the CPU is idle.
func (s *Scheduler) OnSignal() {
	if !s.inDispatch.CompareAndSwap(false, true) {
		return
	}
	defer s.inDispatch.Store(false)
	if !s.mu.TryLock() {
		// the mailbox is drained on the next tick
		return
	}
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.account(now)
	s.drainMailbox(now)
	s.evictRunning(now)
	if s.running < 0 {
		s.dispatch(now)
	}
}

func (s *Scheduler) deferYield(now int64) {
	s.yieldAtNS.Store(now)
	s.pendingYield.Store(true)
	s.metrics.deferredTicks.Inc(1)
}

// current returns the running task, clearing a stale running slot.
func (s *Scheduler) current(now int64) *Task {
	if s.running < 0 {
		return nil
	}
	t, ok := s.table.get(s.running, s.runningID)
	if !ok {
		s.stale(queueEntry{id: s.runningID, slot: s.running}, "running", now)
		s.clearRunning()
		return nil
	}
	return t
}

// account charges the time since the last accounting point to the running
// real-time task.
func (s *Scheduler) account(now int64) {
	start := s.lastAccountNS
	s.lastAccountNS = now
	t := s.current(now)
	if t == nil || t.BestEffort() {
		return
	}
	s.consume(t, start, now-start)
}

// yield blocks the running task at now.
func (s *Scheduler) yield(now int64) {
	t := s.current(now)
	if t == nil {
		return
	}
	start := s.lastAccountNS
	if now > start {
		s.lastAccountNS = now
	}
	if !t.BestEffort() {
		if s.consume(t, start, now-start) {
			return
		}
		if now > t.DeadlineNS {
			s.deadlineMiss(t, 1, now)
		}
	}
	s.emit(StatusBlock, t, now, 0)
	s.stopRunning(t, StateBlocked, now)
}

// tickSlice rotates a best-effort task that used up its slice.
func (s *Scheduler) tickSlice(now int64) {
	t := s.current(now)
	if t == nil || !t.BestEffort() {
		return
	}
	s.sliceLeft--
	if s.sliceLeft > 0 {
		return
	}
	s.seq++
	t.queueSeq = s.seq
	s.stopRunning(t, StateReady, now)
}

// evictRunning evicts a running task that was removed since the last
// boundary.
func (s *Scheduler) evictRunning(now int64) {
	t := s.current(now)
	if t == nil || !t.removing {
		return
	}
	slot := s.running
	s.clearRunning()
	s.evict(slot, now)
}

// reschedule applies the EDF rule: a Ready task with a strictly earlier
// deadline preempts the running task, which goes back to the queue with
// its deadline unchanged. Any real-time task preempts best-effort work.
func (s *Scheduler) reschedule(now int64) {
	if t := s.current(now); t != nil {
		e, ok := s.ready.PeekEarliest()
		if !ok {
			return
		}
		if !t.BestEffort() && e.key >= t.DeadlineNS {
			return
		}
		s.metrics.preemptions.Inc(1)
		s.emit(StatusPreempt, t, now, 0)
		if s.stopRunning(t, StateReady, now) {
			s.dispatch(now)
			return
		}
	}
	s.dispatch(now)
}

// dispatch picks the earliest-deadline Ready task, falling back to
// best-effort work, and switches to it. Stale queue entries are skipped.
func (s *Scheduler) dispatch(now int64) {
	for {
		e, ok := s.ready.PopEarliest()
		if !ok {
			break
		}
		t, ok := s.table.get(e.slot, e.id)
		if !ok {
			s.stale(e, "ready", now)
			continue
		}
		s.run(e.slot, t, now)
		return
	}
	for {
		e, ok := s.background.PopEarliest()
		if !ok {
			break
		}
		t, ok := s.table.get(e.slot, e.id)
		if !ok {
			s.stale(e, "background", now)
			continue
		}
		s.sliceLeft = s.sliceTicks
		s.run(e.slot, t, now)
		return
	}
	if s.onCPU != NoTask {
		s.switcher.Switch(s.cpu, s.onCPU, NoTask)
		s.onCPU = NoTask
		s.emitID(StatusIdle, NoTask, now)
	}
}

func (s *Scheduler) run(slot int32, t *Task, now int64) {
	if !s.transit(t, StateRunning) {
		return
	}
	s.running, s.runningID = slot, t.ID
	s.lastAccountNS = now
	t.dispatches++
	s.metrics.dispatches.Inc(1)

	var jitter int64
	if !t.BestEffort() && !t.jobStarted {
		// expected start is the release at the previous deadline
		t.jobStarted = true
		jitter = now - t.releaseNS()
		t.lastJitter = jitter
		s.window.RecordDispatch(uint64(t.ID), jitter)
	}
	if s.onCPU != t.ID {
		s.switcher.Switch(s.cpu, s.onCPU, t.ID)
		s.onCPU = t.ID
	}
	s.emit(StatusDispatch, t, now, jitter)
}

// stopRunning takes the running task t off the CPU into state to and queues
// it accordingly. A task marked for removal is evicted instead; the result
// reports that case.
func (s *Scheduler) stopRunning(t *Task, to TaskState, now int64) bool {
	slot := s.running
	s.clearRunning()
	if t.removing {
		s.evict(slot, now)
		return true
	}
	s.transit(t, to)
	s.enqueue(slot, t)
	return false
}

func (s *Scheduler) clearRunning() {
	s.running = -1
	s.runningID = NoTask
}

// enqueue puts a non-running task in the queue matching its state.
func (s *Scheduler) enqueue(slot int32, t *Task) {
	switch t.State {
	case StateReady:
		if t.BestEffort() {
			s.background.Insert(t.queueSeq, t.ID, slot)
		} else {
			s.ready.Insert(t.DeadlineNS, t.ID, slot)
		}
	case StateBlocked, StateExhausted:
		if !t.BestEffort() {
			s.release.Insert(t.DeadlineNS, t.ID, slot)
		}
	}
}

func (s *Scheduler) dequeue(slot int32) {
	s.ready.Remove(slot)
	s.release.Remove(slot)
	s.background.Remove(slot)
}

func (s *Scheduler) evict(slot int32, now int64) {
	s.dequeue(slot)
	t := &s.table.tasks[slot]
	s.transit(t, StateRemoved)
	s.emit(StatusRemove, t, now, 0)
	s.table.release(slot)
	s.metrics.evictions.Inc(1)
}

// transit applies a state change if the lifecycle allows it. An illegal
// transition is logged and ignored.
func (s *Scheduler) transit(t *Task, to TaskState) bool {
	if !canTransit(t.State, to) {
		s.log.WithFields(log.Fields{
			"task_id": t.ID,
			"from":    t.State.String(),
			"to":      to.String(),
		}).Error("Invalid task state transition")
		return false
	}
	t.State = to
	return true
}

func (s *Scheduler) stale(e queueEntry, queue string, now int64) {
	s.metrics.staleEntries.Inc(1)
	s.log.WithFields(log.Fields{
		"task_id": e.id,
		"slot":    e.slot,
		"queue":   queue,
	}).Warn("Skipping stale task reference")
	s.emitID(StatusStale, e.id, now)
}

func (s *Scheduler) emit(kind StatusKind, t *Task, now int64, jitter int64) {
	if s.statusCh == nil {
		return
	}
	ev := StatusEvent{
		TimeNS:     now,
		CPU:        s.cpu,
		Kind:       kind,
		TaskID:     t.ID,
		DeadlineNS: t.DeadlineNS,
		BudgetNS:   t.BudgetNS,
		JitterNS:   jitter,
	}
	select {
	case s.statusCh <- ev:
	default:
		s.metrics.droppedEvents.Inc(1)
	}
}

func (s *Scheduler) emitID(kind StatusKind, id TaskID, now int64) {
	if s.statusCh == nil {
		return
	}
	select {
	case s.statusCh <- StatusEvent{TimeNS: now, CPU: s.cpu, Kind: kind, TaskID: id}:
	default:
		s.metrics.droppedEvents.Inc(1)
	}
}

// Running returns a snapshot of the running task.
func (s *Scheduler) Running() (TaskStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.current(s.clock.Now())
	if t == nil {
		return TaskStats{}, false
	}
	return t.stats(s.cpu), true
}

// Stats returns a snapshot of one task.
func (s *Scheduler) Stats(id TaskID) (TaskStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.table.lookup(id)
	if !ok {
		return TaskStats{}, false
	}
	return s.table.tasks[slot].stats(s.cpu), true
}

// Tasks returns snapshots of every task on this CPU, sorted by ID.
func (s *Scheduler) Tasks() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStats, 0, s.table.len())
	for slot := range s.table.tasks {
		if s.table.used[slot] {
			out = append(out, s.table.tasks[slot].stats(s.cpu))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReadyLen returns the number of Ready real-time tasks.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len()
}

// TelemetryStats copies the raw telemetry window.
func (s *Scheduler) TelemetryStats() telemetry.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Stats()
}

// Telemetry returns the telemetry snapshot of this CPU, including the
// admission counters of its controller.
func (s *Scheduler) Telemetry() telemetry.Snapshot {
	snap := telemetry.Summarize(s.TelemetryStats())
	snap.AdmissionAccepted, snap.AdmissionRejected = s.admission.Counts()
	return snap
}
