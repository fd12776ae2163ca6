package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

type testRouter map[int]*Scheduler

func (r testRouter) Post(cpu int, m Message) bool {
	s, ok := r[cpu]
	if !ok {
		return false
	}
	return s.Post(m)
}

func newPair(t *testing.T) (*ManualClock, *AdmissionController, *Scheduler, *Scheduler) {
	cfg := DefaultConfig()
	cfg.NumCPUs = 2
	cfg.EventBuffer = 0
	clock := NewManualClock(0)
	ac := NewAdmissionController(cfg.Admission(), tally.NoopScope)
	router := testRouter{}
	s0 := New(cfg, WithCPU(0), WithClock(clock), WithAdmission(ac), WithRouter(router))
	s1 := New(cfg, WithCPU(1), WithClock(clock), WithAdmission(ac), WithRouter(router))
	router[0], router[1] = s0, s1
	return clock, ac, s0, s1
}

func TestMigrateRunningTask(t *testing.T) {
	clock, ac, s0, s1 := newPair(t)

	id, err := s0.TryAdmit(4*ms, 10*ms)
	require.NoError(t, err)
	require.NoError(t, ac.Move(id, 0, 1))
	require.True(t, s0.Post(Message{Kind: MsgMigrateOut, TaskID: id, To: 1}))

	clock.Set(ms)
	s0.OnTick()
	_, ok := s0.Stats(id)
	assert.False(t, ok)
	_, running := s0.Running()
	assert.False(t, running)

	s1.OnSignal()
	st, ok := s1.Running()
	require.True(t, ok)
	assert.Equal(t, id, st.ID)
	assert.Equal(t, 1, st.CPU)
	assert.Equal(t, 10*ms, st.DeadlineNS)
	assert.Equal(t, 3*ms, st.BudgetNS)
}

func TestMigrationOfRemovedTaskIsDropped(t *testing.T) {
	clock, ac, s0, s1 := newPair(t)

	s0.AddBestEffort()
	id, err := s0.TryAdmit(2*ms, 10*ms)
	require.NoError(t, err)
	require.NoError(t, ac.Move(id, 0, 1))
	s0.Post(Message{Kind: MsgMigrateOut, TaskID: id, To: 1})
	clock.Set(ms)
	s0.OnTick()

	// removed while in flight
	ac.Remove(id)
	assert.False(t, s0.Evict(id))
	assert.False(t, s1.Evict(id))
	s1.Tombstone(id)

	s1.OnSignal()
	_, ok := s1.Stats(id)
	assert.False(t, ok)
	assert.Empty(t, s1.orphans)
}

func TestMigrateOutUnknownTask(t *testing.T) {
	_, _, s0, s1 := newPair(t)
	s0.Post(Message{Kind: MsgMigrateOut, TaskID: 7, To: 1})
	s0.OnTick()
	s1.OnSignal()
	assert.Empty(t, s1.Tasks())
}

func TestMailboxFull(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	cfg := DefaultConfig()
	cfg.MaxTasks = 1
	s := New(cfg, WithScope(scope))
	assert.True(t, s.Post(Message{Kind: MsgMigrateOut, TaskID: 1}))
	assert.True(t, s.Post(Message{Kind: MsgMigrateOut, TaskID: 2}))
	assert.False(t, s.Post(Message{Kind: MsgMigrateOut, TaskID: 3}))
	assert.Equal(t, int64(1), scope.Snapshot().Counters()["sched.dropped_messages+cpu=0"].Value())
}
