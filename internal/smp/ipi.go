package smp

import (
	"go.uber.org/atomic"

	"cbsedf/internal/sched"
)

// Kicker raises an inter-processor signal on a CPU.
type Kicker interface {
	Kick(cpu int)
}

// SignalChannel is one notification channel per CPU. Kicks coalesce: a CPU
// with a signal already pending is not signalled twice.
type SignalChannel struct {
	chans     []chan struct{}
	sent      atomic.Int64
	coalesced atomic.Int64
}

// NewSignalChannel returns a signal channel for n CPUs.
func NewSignalChannel(n int) *SignalChannel {
	sc := &SignalChannel{chans: make([]chan struct{}, n)}
	for i := range sc.chans {
		sc.chans[i] = make(chan struct{}, 1)
	}
	return sc
}

// Kick signals cpu without blocking.
func (sc *SignalChannel) Kick(cpu int) {
	if cpu < 0 || cpu >= len(sc.chans) {
		return
	}
	select {
	case sc.chans[cpu] <- struct{}{}:
		sc.sent.Inc()
	default:
		sc.coalesced.Inc()
	}
}

// C returns the channel cpu waits on.
func (sc *SignalChannel) C(cpu int) <-chan struct{} { return sc.chans[cpu] }

// Pending consumes a pending signal of cpu and reports whether there was one.
func (sc *SignalChannel) Pending(cpu int) bool {
	select {
	case <-sc.chans[cpu]:
		return true
	default:
		return false
	}
}

// Counts returns the number of delivered and coalesced kicks.
func (sc *SignalChannel) Counts() (sent, coalesced int64) {
	return sc.sent.Load(), sc.coalesced.Load()
}

// router posts to a CPU's mailbox and kicks it.
type router struct {
	cpus []*sched.Scheduler
	kick Kicker
}

func (r *router) Post(cpu int, m sched.Message) bool {
	if cpu < 0 || cpu >= len(r.cpus) {
		return false
	}
	if !r.cpus[cpu].Post(m) {
		return false
	}
	r.kick.Kick(cpu)
	return true
}
