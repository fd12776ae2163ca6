package sched

import "container/heap"

// queueEntry orders a task slot by (key, id). For the EDF and release
// queues the key is the absolute deadline; for the best-effort FIFO it is
// an enqueue sequence number.
type queueEntry struct {
	key  int64
	id   TaskID
	slot int32
}

// readyQueue is an indexed binary min-heap over task slots. All storage is
// allocated up front for the table's capacity, so Insert, PopEarliest and
// Remove do not allocate.
type readyQueue struct {
	entries []queueEntry
	pos     []int32 // slot -> heap index, -1 when absent
}

func newReadyQueue(capacity int) *readyQueue {
	q := &readyQueue{
		entries: make([]queueEntry, 0, capacity),
		pos:     make([]int32, capacity),
	}
	for i := range q.pos {
		q.pos[i] = -1
	}
	return q
}

// heap.Interface

func (q *readyQueue) Len() int { return len(q.entries) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := &q.entries[i], &q.entries[j]
	if a.key != b.key {
		return a.key < b.key
	}
	return a.id < b.id
}

func (q *readyQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.pos[q.entries[i].slot] = int32(i)
	q.pos[q.entries[j].slot] = int32(j)
}

// Push is only here to satisfy heap.Interface; Insert appends and calls
// heap.Fix so no entry is boxed.
func (q *readyQueue) Push(x any) {
	e := x.(queueEntry)
	q.pos[e.slot] = int32(len(q.entries))
	q.entries = append(q.entries, e)
}

// Pop drops the last entry. It returns nil so heap.Pop/heap.Remove do not
// box the entry; callers read it before popping.
func (q *readyQueue) Pop() any {
	n := len(q.entries) - 1
	q.pos[q.entries[n].slot] = -1
	q.entries = q.entries[:n]
	return nil
}

// Insert adds slot with the given key. A slot already queued is re-keyed.
func (q *readyQueue) Insert(key int64, id TaskID, slot int32) {
	if i := q.pos[slot]; i >= 0 {
		q.entries[i].key = key
		q.entries[i].id = id
		heap.Fix(q, int(i))
		return
	}
	i := len(q.entries)
	q.entries = append(q.entries, queueEntry{key: key, id: id, slot: slot})
	q.pos[slot] = int32(i)
	heap.Fix(q, i)
}

// PeekEarliest returns the smallest entry without removing it.
func (q *readyQueue) PeekEarliest() (queueEntry, bool) {
	if len(q.entries) == 0 {
		return queueEntry{}, false
	}
	return q.entries[0], true
}

// PopEarliest removes and returns the smallest entry.
func (q *readyQueue) PopEarliest() (queueEntry, bool) {
	if len(q.entries) == 0 {
		return queueEntry{}, false
	}
	e := q.entries[0]
	heap.Pop(q)
	return e, true
}

// Remove drops slot from the queue. It is a no-op when slot is not queued.
func (q *readyQueue) Remove(slot int32) bool {
	if slot < 0 || int(slot) >= len(q.pos) {
		return false
	}
	i := q.pos[slot]
	if i < 0 {
		return false
	}
	heap.Remove(q, int(i))
	return true
}

// Contains reports whether slot is queued.
func (q *readyQueue) Contains(slot int32) bool {
	return slot >= 0 && int(slot) < len(q.pos) && q.pos[slot] >= 0
}

// FixTop re-establishes ordering after the smallest entry's key changed.
func (q *readyQueue) FixTop(key int64) {
	q.entries[0].key = key
	heap.Fix(q, 0)
}
