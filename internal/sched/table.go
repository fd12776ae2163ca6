package sched

import "math/bits"

// table is the fixed-capacity task descriptor store: a backing array plus a
// free list of slot indices. Queues refer to tasks by slot.
type table struct {
	tasks []Task
	used  []bool
	free  []int32
	index slotIndex
}

func newTable(capacity int) *table {
	t := &table{
		tasks: make([]Task, capacity),
		used:  make([]bool, capacity),
		free:  make([]int32, capacity),
		index: newSlotIndex(capacity),
	}
	// pop from the end so slot 0 is handed out first
	for i := range t.free {
		t.free[i] = int32(capacity - 1 - i)
	}
	return t
}

func (t *table) capacity() int { return len(t.tasks) }

func (t *table) len() int { return len(t.tasks) - len(t.free) }

// insert copies task into a free slot.
func (t *table) insert(task Task) (int32, bool) {
	if len(t.free) == 0 {
		return -1, false
	}
	slot := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.tasks[slot] = task
	t.used[slot] = true
	t.index.put(task.ID, slot)
	return slot, true
}

// release frees slot and returns the descriptor it held.
func (t *table) release(slot int32) Task {
	task := t.tasks[slot]
	t.index.del(task.ID)
	t.tasks[slot] = Task{}
	t.used[slot] = false
	t.free = append(t.free, slot)
	return task
}

func (t *table) lookup(id TaskID) (int32, bool) {
	return t.index.get(id)
}

// get returns the task in slot if it still belongs to id. A false result
// means the caller holds a stale reference.
func (t *table) get(slot int32, id TaskID) (*Task, bool) {
	if slot < 0 || int(slot) >= len(t.tasks) || !t.used[slot] {
		return nil, false
	}
	task := &t.tasks[slot]
	if task.ID != id || task.State == StateRemoved {
		return nil, false
	}
	return task, true
}

// slotIndex maps task ids to slots. It is an open-addressing table sized at
// construction to at least twice the task capacity, so put and del never
// allocate. Deletion shifts entries back instead of leaving tombstones.
type slotIndex struct {
	keys  []TaskID // NoTask marks an empty bucket
	slots []int32
	shift uint
}

func newSlotIndex(capacity int) slotIndex {
	n := 2
	for n < 2*capacity {
		n <<= 1
	}
	return slotIndex{
		keys:  make([]TaskID, n),
		slots: make([]int32, n),
		shift: uint(64 - bits.TrailingZeros(uint(n))),
	}
}

// home is the Fibonacci hash of id.
func (x *slotIndex) home(id TaskID) int {
	return int((uint64(id) * 0x9e3779b97f4a7c15) >> x.shift)
}

// find returns the bucket holding id, or the empty bucket where it would go.
func (x *slotIndex) find(id TaskID) (int, bool) {
	mask := len(x.keys) - 1
	i := x.home(id)
	for x.keys[i] != NoTask {
		if x.keys[i] == id {
			return i, true
		}
		i = (i + 1) & mask
	}
	return i, false
}

func (x *slotIndex) get(id TaskID) (int32, bool) {
	i, ok := x.find(id)
	if !ok {
		return -1, false
	}
	return x.slots[i], true
}

func (x *slotIndex) put(id TaskID, slot int32) {
	i, _ := x.find(id)
	x.keys[i] = id
	x.slots[i] = slot
}

func (x *slotIndex) del(id TaskID) {
	i, ok := x.find(id)
	if !ok {
		return
	}
	mask := len(x.keys) - 1
	x.keys[i] = NoTask
	for j := (i + 1) & mask; x.keys[j] != NoTask; j = (j + 1) & mask {
		h := x.home(x.keys[j])
		// an entry whose home lies cyclically in (i, j] must stay put
		if inRange(i, h, j) {
			continue
		}
		x.keys[i], x.slots[i] = x.keys[j], x.slots[j]
		x.keys[j] = NoTask
		i = j
	}
}

// inRange reports whether h is in the cyclic interval (i, j].
func inRange(i, h, j int) bool {
	if i <= j {
		return i < h && h <= j
	}
	return i < h || h <= j
}
