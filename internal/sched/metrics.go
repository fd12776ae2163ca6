package sched

import (
	"strconv"

	"github.com/uber-go/tally"
)

// Metrics is the per-CPU set of scheduler counters. Every field is safe to
// update from the tick path: tally counters and gauges are atomics.
type Metrics struct {
	dispatches     tally.Counter
	preemptions    tally.Counter
	exhaustions    tally.Counter
	replenishments tally.Counter
	deadlineMisses tally.Counter
	staleEntries   tally.Counter
	nestedTicks    tally.Counter
	deferredTicks  tally.Counter
	migrationsIn   tally.Counter
	migrationsOut  tally.Counter
	droppedEvents  tally.Counter
	droppedMsgs    tally.Counter
	evictions      tally.Counter

	readyQueueLength tally.Gauge
}

// NewMetrics returns the metrics of one CPU, tagged with its index.
func NewMetrics(scope tally.Scope, cpu int) *Metrics {
	s := scope.SubScope("sched").Tagged(map[string]string{"cpu": strconv.Itoa(cpu)})
	return &Metrics{
		dispatches:       s.Counter("dispatches"),
		preemptions:      s.Counter("preemptions"),
		exhaustions:      s.Counter("budget_exhausted"),
		replenishments:   s.Counter("replenishments"),
		deadlineMisses:   s.Counter("deadline_misses"),
		staleEntries:     s.Counter("stale_entries"),
		nestedTicks:      s.Counter("nested_ticks"),
		deferredTicks:    s.Counter("deferred_ticks"),
		migrationsIn:     s.Counter("migrations_in"),
		migrationsOut:    s.Counter("migrations_out"),
		droppedEvents:    s.Counter("dropped_events"),
		droppedMsgs:      s.Counter("dropped_messages"),
		evictions:        s.Counter("evictions"),
		readyQueueLength: s.Gauge("ready_queue_length"),
	}
}

// AdmissionMetrics tracks the admission controller.
type AdmissionMetrics struct {
	accepted    tally.Counter
	rejected    tally.Counter
	removed     tally.Counter
	moved       tally.Counter
	utilization tally.Gauge
}

// NewAdmissionMetrics returns admission metrics under the "admission" scope.
func NewAdmissionMetrics(scope tally.Scope) *AdmissionMetrics {
	s := scope.SubScope("admission")
	return &AdmissionMetrics{
		accepted:    s.Counter("accepted"),
		rejected:    s.Counter("rejected"),
		removed:     s.Counter("removed"),
		moved:       s.Counter("moved"),
		utilization: s.Gauge("utilization"),
	}
}
