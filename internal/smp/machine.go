// Package smp runs one CBS+EDF scheduler per CPU behind a shared admission
// controller, moving reservations between CPUs when their load diverges.
package smp

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"

	"cbsedf/internal/sched"
	"cbsedf/internal/telemetry"
)

// Machine is a set of per-CPU schedulers. CPUs only interact through their
// mailboxes and the signal channel; the machine lock serializes admission,
// removal and rebalancing, never the tick path.
type Machine struct {
	mu sync.Mutex

	cfg       sched.Config
	admission *sched.AdmissionController
	cpus      []*sched.Scheduler
	signals   *SignalChannel
	router    *router
	balancer  *Balancer

	ticks      atomic.Int64
	rebalances tally.Counter
	migrations tally.Counter
	log        *log.Entry
}

// Option configures a Machine.
type Option func(*options)

type options struct {
	clock    func(cpu int) sched.Clock
	switcher sched.ContextSwitcher
	scope    tally.Scope
}

// WithClock makes every CPU read the same clock.
func WithClock(c sched.Clock) Option {
	return func(o *options) { o.clock = func(int) sched.Clock { return c } }
}

// WithClocks gives each CPU its own clock.
func WithClocks(f func(cpu int) sched.Clock) Option {
	return func(o *options) { o.clock = f }
}

// WithSwitcher sets the context switch primitive of every CPU.
func WithSwitcher(sw sched.ContextSwitcher) Option {
	return func(o *options) { o.switcher = sw }
}

// WithScope sets the metrics scope.
func WithScope(scope tally.Scope) Option {
	return func(o *options) { o.scope = scope }
}

// New builds a machine with cfg.NumCPUs CPUs.
func New(cfg sched.Config, opts ...Option) *Machine {
	o := options{scope: tally.NoopScope}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		shared := sched.NewManualClock(0)
		o.clock = func(int) sched.Clock { return shared }
	}
	n := cfg.NumCPUs
	if n <= 0 {
		n = 1
		cfg.NumCPUs = 1
	}

	m := &Machine{
		cfg:        cfg,
		admission:  sched.NewAdmissionController(cfg.Admission(), o.scope),
		cpus:       make([]*sched.Scheduler, n),
		signals:    NewSignalChannel(n),
		balancer:   NewBalancer(sched.UtilizationFromFloat(cfg.ImbalanceThreshold), cfg.Threshold()),
		rebalances: o.scope.SubScope("balancer").Counter("runs"),
		migrations: o.scope.SubScope("balancer").Counter("migrations"),
		log:        log.WithField("component", "smp"),
	}
	m.router = &router{cpus: m.cpus, kick: m.signals}
	for cpu := range m.cpus {
		schedOpts := []sched.Option{
			sched.WithCPU(cpu),
			sched.WithClock(o.clock(cpu)),
			sched.WithAdmission(m.admission),
			sched.WithRouter(m.router),
			sched.WithScope(o.scope),
		}
		if o.switcher != nil {
			schedOpts = append(schedOpts, sched.WithSwitcher(o.switcher))
		}
		m.cpus[cpu] = sched.New(cfg, schedOpts...)
	}
	return m
}

// NumCPUs returns the number of CPUs.
func (m *Machine) NumCPUs() int { return len(m.cpus) }

// CPU returns the scheduler of one CPU.
func (m *Machine) CPU(cpu int) *sched.Scheduler { return m.cpus[cpu] }

// Admission returns the shared admission controller.
func (m *Machine) Admission() *sched.AdmissionController { return m.admission }

// Signals returns the inter-processor signal channel.
func (m *Machine) Signals() *SignalChannel { return m.signals }

// TryAdmit admits a periodic task. A negative affinity lets the controller
// pick the least utilized CPU.
func (m *Machine) TryAdmit(wcetNS, periodNS int64, affinity int) (sched.TaskID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.admission.TryAdmit(wcetNS, periodNS, affinity)
	if err != nil {
		return sched.NoTask, err
	}
	if err := m.cpus[r.CPU].Attach(r); err != nil {
		m.admission.Remove(r.ID)
		return sched.NoTask, err
	}
	return r.ID, nil
}

// AddBestEffort adds a best-effort task.
func (m *Machine) AddBestEffort(affinity int) (sched.TaskID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.admission.AdmitBestEffort(affinity)
	if err != nil {
		return sched.NoTask, err
	}
	if err := m.cpus[r.CPU].Attach(r); err != nil {
		m.admission.Remove(r.ID)
		return sched.NoTask, err
	}
	return r.ID, nil
}

// Remove releases id's reservation and evicts it wherever it is. A task in
// the middle of a migration is tombstoned on its target CPU.
func (m *Machine) Remove(id sched.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.admission.Remove(id)
	for _, s := range m.cpus {
		if s.Evict(id) {
			return
		}
	}
	if ok {
		m.cpus[r.CPU].Tombstone(id)
	}
}

// Wake wakes a Blocked task. The ledger CPU is tried first; a task whose
// migration has not been drained yet still sits on its source CPU.
func (m *Machine) Wake(id sched.TaskID) bool {
	r, ok := m.admission.Lookup(id)
	if !ok {
		return false
	}
	if m.cpus[r.CPU].Wake(id) {
		return true
	}
	for cpu, s := range m.cpus {
		if cpu != r.CPU && s.Wake(id) {
			return true
		}
	}
	return false
}

// OnTick is the timer interrupt of one CPU.
func (m *Machine) OnTick(cpu int) { m.cpus[cpu].OnTick() }

// OnYield is the voluntary block of the task running on one CPU.
func (m *Machine) OnYield(cpu int) { m.cpus[cpu].OnYield() }

// OnSignal is the inter-processor signal handler of one CPU.
func (m *Machine) OnSignal(cpu int) { m.cpus[cpu].OnSignal() }

// Tick drives every CPU once in index order, delivers pending signals and
// runs the load balancer every BalanceIntervalTicks. Used by simulations
// where all CPUs share a manual clock.
func (m *Machine) Tick() {
	for cpu := range m.cpus {
		m.cpus[cpu].OnTick()
	}
	m.DeliverSignals()
	if n := m.ticks.Inc(); m.cfg.BalanceIntervalTicks > 0 && n%int64(m.cfg.BalanceIntervalTicks) == 0 {
		if _, ok := m.Rebalance(); ok {
			m.DeliverSignals()
		}
	}
}

// DeliverSignals runs OnSignal on every CPU with a pending signal until none
// is left. A migration takes two rounds: source, then target.
func (m *Machine) DeliverSignals() {
	for round := 0; round <= len(m.cpus); round++ {
		delivered := false
		for cpu := range m.cpus {
			if m.signals.Pending(cpu) {
				m.cpus[cpu].OnSignal()
				delivered = true
			}
		}
		if !delivered {
			return
		}
	}
}

// Rebalance plans and starts at most one migration. The reservation moves
// in the ledger right away; the descriptor follows at the source CPU's next
// boundary.
func (m *Machine) Rebalance() (Move, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebalances.Inc(1)

	running := make(map[sched.TaskID]bool, len(m.cpus))
	for _, s := range m.cpus {
		if st, ok := s.Running(); ok {
			running[st.ID] = true
		}
	}
	mv, ok := m.balancer.Plan(m.admission.Snapshot(), running)
	if !ok {
		return Move{}, false
	}
	if err := m.admission.Move(mv.TaskID, mv.From, mv.To); err != nil {
		m.log.WithError(err).WithField("task_id", mv.TaskID).Warn("Rebalance move rejected")
		return Move{}, false
	}
	msg := sched.Message{Kind: sched.MsgMigrateOut, TaskID: mv.TaskID, To: mv.To}
	if !m.router.Post(mv.From, msg) {
		// the source never heard of the move; undo it
		m.admission.Move(mv.TaskID, mv.To, mv.From)
		return Move{}, false
	}
	m.migrations.Inc(1)
	m.log.WithFields(log.Fields{
		"task_id":     mv.TaskID,
		"from":        mv.From,
		"to":          mv.To,
		"utilization": mv.Utilization.String(),
	}).Debug("Migrating task")
	return mv, true
}

// Ticks returns the number of machine-wide ticks driven through Tick.
func (m *Machine) Ticks() int64 { return m.ticks.Load() }

// Tasks returns every task on every CPU, sorted by ID.
func (m *Machine) Tasks() []sched.TaskStats {
	var out []sched.TaskStats
	for _, s := range m.cpus {
		out = append(out, s.Tasks()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot merges the telemetry of all CPUs in CPU order.
func (m *Machine) Snapshot() telemetry.Snapshot {
	all := make([]telemetry.Stats, len(m.cpus))
	for cpu, s := range m.cpus {
		all[cpu] = s.TelemetryStats()
	}
	snap := telemetry.Summarize(telemetry.Merge(all...))
	snap.AdmissionAccepted, snap.AdmissionRejected = m.admission.Counts()
	return snap
}

// Run drives the machine in hosted mode: one goroutine per CPU ticking off
// its own TickClock and handling signals, plus the load balancer. It
// returns when ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.TickNS())
	var wg sync.WaitGroup

	for cpu := range m.cpus {
		clock := sched.NewTickClock(1)
		clock.Start(interval)
		wg.Add(1)
		go func(cpu int, clock *sched.TickClock) {
			defer wg.Done()
			defer clock.Stop()
			m.runCPU(ctx, cpu, clock)
		}(cpu, clock)
	}

	if m.cfg.BalanceIntervalTicks > 0 && len(m.cpus) > 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval * time.Duration(m.cfg.BalanceIntervalTicks))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Rebalance()
				}
			}
		}()
	}

	m.log.WithFields(log.Fields{
		"cpus":    len(m.cpus),
		"tick_ms": m.cfg.TickMS,
	}).Info("Machine started")
	wg.Wait()
	m.log.Info("Machine stopped")
	return nil
}

func (m *Machine) runCPU(ctx context.Context, cpu int, clock *sched.TickClock) {
	s := m.cpus[cpu]
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-clock.Ch:
			if !ok {
				return
			}
			s.OnTick()
		case <-m.signals.C(cpu):
			s.OnSignal()
		}
	}
}
