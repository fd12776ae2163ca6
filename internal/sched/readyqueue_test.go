package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func popAll(q *readyQueue) []TaskID {
	var ids []TaskID
	for {
		e, ok := q.PopEarliest()
		if !ok {
			return ids
		}
		ids = append(ids, e.id)
	}
}

func TestReadyQueueOrdersByKeyThenID(t *testing.T) {
	q := newReadyQueue(8)
	q.Insert(30, 1, 0)
	q.Insert(10, 4, 1)
	q.Insert(20, 3, 2)
	q.Insert(10, 2, 3)

	e, ok := q.PeekEarliest()
	require.True(t, ok)
	assert.Equal(t, TaskID(2), e.id)
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []TaskID{2, 4, 3, 1}, popAll(q))

	_, ok = q.PopEarliest()
	assert.False(t, ok)
}

func TestReadyQueueRemoveAndRekey(t *testing.T) {
	q := newReadyQueue(8)
	for slot := int32(0); slot < 5; slot++ {
		q.Insert(int64(slot)*10, TaskID(slot+1), slot)
	}
	assert.True(t, q.Remove(2))
	assert.False(t, q.Remove(2))
	assert.False(t, q.Remove(7))
	assert.False(t, q.Remove(-1))
	assert.False(t, q.Contains(2))

	// re-inserting a queued slot moves it
	q.Insert(100, 1, 0)
	assert.Equal(t, 4, q.Len())

	q.FixTop(5)
	e, _ := q.PeekEarliest()
	assert.Equal(t, TaskID(2), e.id)
	assert.Equal(t, int64(5), e.key)

	assert.Equal(t, []TaskID{2, 4, 5, 1}, popAll(q))
	for slot := int32(0); slot < 5; slot++ {
		assert.False(t, q.Contains(slot))
	}
}

func TestReadyQueueDoesNotAllocate(t *testing.T) {
	q := newReadyQueue(64)
	allocs := testing.AllocsPerRun(100, func() {
		for slot := int32(0); slot < 64; slot++ {
			q.Insert(int64(64-slot), TaskID(slot+1), slot)
		}
		q.Remove(10)
		for q.Len() > 0 {
			q.PopEarliest()
		}
	})
	assert.Equal(t, float64(0), allocs)
}
