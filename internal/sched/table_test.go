package sched

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableInsertRelease(t *testing.T) {
	tb := newTable(2)
	assert.Equal(t, 2, tb.capacity())

	s0, ok := tb.insert(Task{ID: 1})
	require.True(t, ok)
	assert.Equal(t, int32(0), s0)
	s1, ok := tb.insert(Task{ID: 2})
	require.True(t, ok)
	_, ok = tb.insert(Task{ID: 3})
	assert.False(t, ok)
	assert.Equal(t, 2, tb.len())

	got := tb.release(s0)
	assert.Equal(t, TaskID(1), got.ID)
	_, ok = tb.lookup(1)
	assert.False(t, ok)

	slot, ok := tb.lookup(2)
	require.True(t, ok)
	assert.Equal(t, s1, slot)

	s2, ok := tb.insert(Task{ID: 3})
	require.True(t, ok)
	assert.Equal(t, s0, s2)
}

func TestTableGetDetectsStaleReferences(t *testing.T) {
	tb := newTable(4)
	slot, _ := tb.insert(Task{ID: 1, State: StateReady})

	task, ok := tb.get(slot, 1)
	require.True(t, ok)
	assert.Equal(t, TaskID(1), task.ID)

	_, ok = tb.get(slot, 2)
	assert.False(t, ok, "id mismatch")
	_, ok = tb.get(3, 1)
	assert.False(t, ok, "unused slot")
	_, ok = tb.get(9, 1)
	assert.False(t, ok, "out of range")

	task.State = StateRemoved
	_, ok = tb.get(slot, 1)
	assert.False(t, ok, "removed")
}

func TestTableIndexSurvivesChurn(t *testing.T) {
	tb := newTable(8)
	live := map[TaskID]int32{}
	next := TaskID(1)

	for round := 0; round < 500; round++ {
		for len(live) < 8 {
			slot, ok := tb.insert(Task{ID: next})
			require.True(t, ok)
			live[next] = slot
			next++
		}
		// free every other live task in id order
		ids := make([]TaskID, 0, len(live))
		for id := range live {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for i := 0; i < len(ids); i += 2 {
			assert.Equal(t, ids[i], tb.release(live[ids[i]]).ID)
			delete(live, ids[i])
		}
		for id := TaskID(1); id < next; id++ {
			slot, ok := tb.lookup(id)
			want, inUse := live[id]
			require.Equal(t, inUse, ok, "round %d id %d", round, id)
			if ok {
				assert.Equal(t, want, slot)
			}
		}
	}
}

func TestTableInsertReleaseDoesNotAllocate(t *testing.T) {
	tb := newTable(16)
	id := TaskID(1)
	allocs := testing.AllocsPerRun(1000, func() {
		slot, _ := tb.insert(Task{ID: id})
		id++
		tb.release(slot)
	})
	assert.Zero(t, allocs)
}
