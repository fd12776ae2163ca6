// internal/sched/tickclock.go

package sched

import (
	"time"

	"go.uber.org/atomic"
)

// Clock is the monotonic timebase in nanoseconds.
type Clock interface {
	Now() int64
}

// ManualClock is a Clock advanced explicitly. Simulations and tests use it
// to replay the same time-stamped event sequence bit for bit.
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock returns a clock reading start.
func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

// Now returns the current time.
func (c *ManualClock) Now() int64 { return c.now.Load() }

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d int64) int64 {
	if d < 0 {
		d = 0
	}
	return c.now.Add(d)
}

// Set moves the clock to t. The clock never goes backwards.
func (c *ManualClock) Set(t int64) {
	for {
		cur := c.now.Load()
		if t <= cur || c.now.CompareAndSwap(cur, t) {
			return
		}
	}
}

// TickClock emits ticks and counts them atomically. Now reports the
// monotonic time elapsed since the clock was created.
type TickClock struct {
	Ch    chan struct{}
	count atomic.Int64
	stop  chan struct{}
	start time.Time
}

// NewTickClock creates a clock but does not start it.
func NewTickClock(buffer int) *TickClock {
	return &TickClock{
		Ch:    make(chan struct{}, buffer),
		stop:  make(chan struct{}),
		start: time.Now(),
	}
}

// Start begins emitting ticks at the given interval. A tick is dropped
// rather than queued when the consumer falls behind.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Inc()
				select {
				case c.Ch <- struct{}{}:
				default:
				}
			case <-c.stop:
				close(c.Ch)
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks.
func (c *TickClock) Stop() {
	close(c.stop)
}

// Count returns the current tick count atomically.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}

// Now returns nanoseconds since the clock was created.
func (c *TickClock) Now() int64 {
	return int64(time.Since(c.start))
}
