package sim

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"cbsedf/internal/sched"
)

// Recorder writes status events as CSV rows.
type Recorder struct {
	w   *csv.Writer
	err error
}

var header = []string{"time_ns", "tick", "cpu", "event", "task_id", "deadline_ns", "budget_ns", "jitter_ns"}

// NewRecorder writes the header to w and returns a recorder.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{w: csv.NewWriter(w)}
	r.err = r.w.Write(header)
	return r
}

// Record writes one event. The first write error sticks and is returned by
// Flush.
func (r *Recorder) Record(tick int64, ev sched.StatusEvent) {
	if r.err != nil {
		return
	}
	r.err = r.w.Write([]string{
		strconv.FormatInt(ev.TimeNS, 10),
		strconv.FormatInt(tick, 10),
		strconv.Itoa(ev.CPU),
		ev.Kind.String(),
		strconv.FormatUint(uint64(ev.TaskID), 10),
		strconv.FormatInt(ev.DeadlineNS, 10),
		strconv.FormatInt(ev.BudgetNS, 10),
		strconv.FormatInt(ev.JitterNS, 10),
	})
}

// Flush writes buffered rows.
func (r *Recorder) Flush() error {
	r.w.Flush()
	if r.err != nil {
		return errors.Wrap(r.err, "write trace")
	}
	return errors.Wrap(r.w.Error(), "flush trace")
}

// FormatEvent renders ev as one human readable line.
func FormatEvent(tick int64, ev sched.StatusEvent) string {
	// an auxiliary function to center the event kind in the output
	center := func(str string, width int) string {
		spaces := (width - len(str)) / 2
		if spaces < 0 {
			spaces = 0
		}
		return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", max(0, width-(spaces+len(str))))
	}

	return fmt.Sprintf("%12s = Tick: %07d CPU %d [%s] => Task: %04d, deadline=%s budget=%s jitter=%s",
		time.Duration(ev.TimeNS),
		tick,
		ev.CPU,
		center(ev.Kind.String(), 14),
		ev.TaskID,
		time.Duration(ev.DeadlineNS),
		time.Duration(ev.BudgetNS),
		time.Duration(ev.JitterNS),
	)
}
