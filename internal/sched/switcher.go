package sched

//go:generate mockgen -source=switcher.go -destination=mock_switcher_test.go -package=sched

// ContextSwitcher is the register save/restore primitive. from or to is
// NoTask when the CPU leaves or enters idle. Switch is called from the tick
// path and must not block.
type ContextSwitcher interface {
	Switch(cpu int, from, to TaskID)
}

type nopSwitcher struct{}

func (nopSwitcher) Switch(int, TaskID, TaskID) {}

// SwitcherFunc adapts a function to ContextSwitcher.
type SwitcherFunc func(cpu int, from, to TaskID)

// Switch calls f.
func (f SwitcherFunc) Switch(cpu int, from, to TaskID) { f(cpu, from, to) }
