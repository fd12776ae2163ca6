package sched

import (
	log "github.com/sirupsen/logrus"
)

// MessageKind is the type of a cross-CPU message.
type MessageKind uint8

const (
	// MsgMigrateOut asks the owning CPU to detach a task and hand it to To.
	MsgMigrateOut MessageKind = iota
	// MsgMigrateIn carries a detached descriptor to its new CPU.
	MsgMigrateIn
)

func (k MessageKind) String() string {
	switch k {
	case MsgMigrateOut:
		return "MigrateOut"
	case MsgMigrateIn:
		return "MigrateIn"
	default:
		return "Unknown"
	}
}

// Message is the only way one CPU affects another CPU's queues. It is
// copied by value, so posting does not allocate.
type Message struct {
	Kind   MessageKind
	TaskID TaskID
	To     int
	Task   Task
}

// Router delivers a message to a CPU's mailbox and signals that CPU.
type Router interface {
	Post(cpu int, m Message) bool
}

// Post queues m in this CPU's mailbox without blocking. The mailbox is
// drained at the next dispatch boundary.
func (s *Scheduler) Post(m Message) bool {
	select {
	case s.mailbox <- m:
		return true
	default:
		s.metrics.droppedMsgs.Inc(1)
		return false
	}
}

// drainMailbox handles at most one mailbox's worth of messages so a sender
// cannot keep the tick path busy.
func (s *Scheduler) drainMailbox(now int64) {
	for i := cap(s.mailbox); i > 0; i-- {
		select {
		case m := <-s.mailbox:
			s.handle(m, now)
		default:
			return
		}
	}
}

func (s *Scheduler) handle(m Message, now int64) {
	switch m.Kind {
	case MsgMigrateOut:
		slot, ok := s.table.lookup(m.TaskID)
		if !ok {
			// removed or already moved; nothing to do
			return
		}
		if slot == s.running {
			t := &s.table.tasks[slot]
			s.emit(StatusPreempt, t, now, 0)
			if s.stopRunning(t, StateReady, now) {
				return
			}
		}
		s.detach(slot, m.To, now)

	case MsgMigrateIn:
		if _, dead := s.orphans[m.TaskID]; dead {
			delete(s.orphans, m.TaskID)
			s.emitID(StatusRemove, m.TaskID, now)
			return
		}
		slot, ok := s.table.insert(m.Task)
		if !ok {
			log.WithFields(log.Fields{
				"cpu":     s.cpu,
				"task_id": m.TaskID,
			}).Error("Dropping migrated task, task table is full")
			s.metrics.droppedMsgs.Inc(1)
			return
		}
		t := &s.table.tasks[slot]
		s.enqueue(slot, t)
		s.metrics.migrationsIn.Inc(1)
		s.emit(StatusMigrateIn, t, now, 0)

	default:
		log.WithFields(log.Fields{
			"cpu":  s.cpu,
			"kind": m.Kind,
		}).Warn("Ignoring unknown mailbox message")
	}
}

// detach removes a non-running task from this CPU and posts it to cpu to.
// If the target mailbox is full the task stays here.
func (s *Scheduler) detach(slot int32, to int, now int64) {
	s.dequeue(slot)
	t := s.table.release(slot)

	if s.router == nil || !s.router.Post(to, Message{Kind: MsgMigrateIn, TaskID: t.ID, Task: t}) {
		log.WithFields(log.Fields{
			"cpu":     s.cpu,
			"to":      to,
			"task_id": t.ID,
		}).Error("Migration could not be delivered, keeping task")
		s.metrics.droppedMsgs.Inc(1)
		if slot, ok := s.table.insert(t); ok {
			s.enqueue(slot, &s.table.tasks[slot])
		}
		return
	}
	s.metrics.migrationsOut.Inc(1)
	s.emit(StatusMigrateOut, &t, now, 0)
}
