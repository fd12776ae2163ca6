package sim

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbsedf/internal/sched"
)

const ms = int64(1_000_000)

const mixedWorkload = `
seed: 42
tasks:
  - name: control
    wcet: 2ms
    period: 10ms
    demand: {kind: normal, scale: 0.7, stddev: 300us}
  - name: sensor
    wcet: 1ms
    period: 5ms
    demand: {kind: fixed, value: 600us}
  - name: video
    wcet: 8ms
    period: 40ms
    cpu: 1
    demand: {kind: overrun, value: 2ms}
  - name: logger
    best_effort: true
  - name: late
    wcet: 3ms
    period: 20ms
    start: 150ms
    stop: 400ms
`

func newSim(t *testing.T, cpus int, body string, opts ...Option) *Simulator {
	w, err := ParseWorkload([]byte(body))
	require.NoError(t, err)
	cfg := sched.DefaultConfig()
	cfg.NumCPUs = cpus
	s, err := New(cfg, w, opts...)
	require.NoError(t, err)
	return s
}

func taskByName(t *testing.T, res Result, name string) TaskResult {
	for _, tr := range res.Tasks {
		if tr.Name == name {
			return tr
		}
	}
	t.Fatalf("task %s not in result", name)
	return TaskResult{}
}

func TestRunIsDeterministic(t *testing.T) {
	first, err := newSim(t, 2, mixedWorkload).Run(1000)
	require.NoError(t, err)
	second, err := newSim(t, 2, mixedWorkload).Run(1000)
	require.NoError(t, err)

	assert.NotEmpty(t, first.Trace)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1000), first.Ticks)
	assert.Empty(t, first.Rejected)
	assert.True(t, taskByName(t, first, "late").Removed)
}

func TestJobCompletesBetweenTicks(t *testing.T) {
	s := newSim(t, 1, `
tasks:
  - name: t
    wcet: 4ms
    period: 10ms
    demand: {kind: fixed, value: 1500us}
`)
	res, err := s.Run(29)
	require.NoError(t, err)

	var blocks []int64
	for _, ev := range res.Trace {
		if ev.Kind == sched.StatusBlock {
			blocks = append(blocks, ev.TimeNS)
		}
	}
	assert.Equal(t, []int64{1500_000, 11_500_000, 21_500_000}, blocks)

	tr := taskByName(t, res, "t")
	assert.Equal(t, sched.StateBlocked, tr.State)
	assert.Equal(t, int64(2500_000), tr.BudgetNS)
	assert.Equal(t, uint64(0), tr.Misses)
}

func TestOverrunIsThrottled(t *testing.T) {
	s := newSim(t, 1, `
tasks:
  - name: hog
    wcet: 4ms
    period: 10ms
    demand: {kind: overrun, value: 1ms}
  - name: victim
    wcet: 2ms
    period: 10ms
`)
	res, err := s.Run(100)
	require.NoError(t, err)

	exhausted := 0
	for _, ev := range res.Trace {
		if ev.Kind == sched.StatusExhaust && ev.TaskID == taskByName(t, res, "hog").ID {
			exhausted++
		}
	}
	assert.Equal(t, 10, exhausted)
	assert.Equal(t, uint64(0), res.Snapshot.DeadlineMissCount)
	assert.Equal(t, uint64(0), taskByName(t, res, "victim").Misses)
}

func TestRejectedTaskIsReported(t *testing.T) {
	s := newSim(t, 1, `
tasks:
  - name: a
    wcet: 5ms
    period: 10ms
  - name: b
    wcet: 4ms
    period: 10ms
`)
	res, err := s.Run(10)
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "b", res.Rejected[0].Name)
	assert.Contains(t, res.Rejected[0].Reason, "90%")
	assert.Len(t, res.Tasks, 1)
	assert.Equal(t, uint64(1), res.Snapshot.AdmissionRejected)
}

func TestRecorderWritesTrace(t *testing.T) {
	var buf bytes.Buffer
	var hooked int
	s := newSim(t, 1, `
tasks:
  - name: t
    wcet: 1ms
    period: 5ms
`, WithRecorder(NewRecorder(&buf)), WithEventHook(func(int64, sched.StatusEvent) { hooked++ }))
	res, err := s.Run(10)
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, len(res.Trace)+1)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, []string{"0", "1", "0", "Admit", "1", "5000000", "1000000", "0"}, rows[1])
	assert.Equal(t, len(res.Trace), hooked)
}

func TestWithoutTrace(t *testing.T) {
	res, err := newSim(t, 2, mixedWorkload, WithoutTrace()).Run(50)
	require.NoError(t, err)
	assert.Empty(t, res.Trace)
	assert.True(t, res.Snapshot.Dispatches > 0)
}

func TestFormatEvent(t *testing.T) {
	line := FormatEvent(3, sched.StatusEvent{TimeNS: 2 * ms, Kind: sched.StatusDispatch, TaskID: 7, DeadlineNS: 10 * ms})
	assert.Contains(t, line, "Tick: 0000003")
	assert.Contains(t, line, "Dispatch")
	assert.Contains(t, line, "Task: 0007")
	assert.Contains(t, line, "deadline=10ms")
}
