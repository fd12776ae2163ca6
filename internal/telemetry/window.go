// Package telemetry keeps rolling jitter and deadline-miss statistics for
// one CPU and turns them into read-only snapshots.
package telemetry

// DefaultWindowSize is the number of jitter samples kept per CPU.
const DefaultWindowSize = 256

// Window is a fixed-capacity ring of dispatch jitter samples plus a
// deadline-miss counter. Its write paths do not allocate. A Window is not
// safe for concurrent use; the owning scheduler serializes access.
type Window struct {
	samples []int64
	next    int
	filled  int

	dispatches uint64
	misses     uint64
	maxJitter  int64
}

// NewWindow returns a window holding at most size samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{samples: make([]int64, size)}
}

// RecordDispatch stores the jitter of one dispatch, overwriting the oldest
// sample once the window is full. Negative jitter is clamped to zero.
func (w *Window) RecordDispatch(id uint64, jitterNS int64) {
	if jitterNS < 0 {
		jitterNS = 0
	}
	w.samples[w.next] = jitterNS
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
	}
	if w.filled < len(w.samples) {
		w.filled++
	}
	if jitterNS > w.maxJitter {
		w.maxJitter = jitterNS
	}
	w.dispatches++
}

// RecordDeadlineMiss counts one missed deadline.
func (w *Window) RecordDeadlineMiss(id uint64) {
	w.misses++
}

// RecordDeadlineMisses counts n missed deadlines of the same task, as
// happens when a task is late by several periods.
func (w *Window) RecordDeadlineMisses(id uint64, n uint64) {
	w.misses += n
}

// Capacity returns the window size.
func (w *Window) Capacity() int { return len(w.samples) }

// Len returns the number of samples currently held.
func (w *Window) Len() int { return w.filled }

// Misses returns the deadline-miss count.
func (w *Window) Misses() uint64 { return w.misses }

// Samples returns the held samples oldest first.
func (w *Window) Samples() []int64 {
	return w.AppendSamples(make([]int64, 0, w.filled))
}

// AppendSamples appends the held samples, oldest first, to dst.
func (w *Window) AppendSamples(dst []int64) []int64 {
	if w.filled < len(w.samples) {
		return append(dst, w.samples[:w.filled]...)
	}
	dst = append(dst, w.samples[w.next:]...)
	return append(dst, w.samples[:w.next]...)
}

// Stats copies the window into a Stats value that can be summarized later
// without holding the owner's lock.
func (w *Window) Stats() Stats {
	return Stats{
		Samples:    w.Samples(),
		Dispatches: w.dispatches,
		Misses:     w.misses,
		MaxJitter:  w.maxJitter,
	}
}

// Snapshot summarizes the window.
func (w *Window) Snapshot() Snapshot {
	return Summarize(w.Stats())
}
