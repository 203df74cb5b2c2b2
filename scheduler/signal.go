package scheduler

import (
	"slices"
	"time"
)

// Signal is an edge-triggered event. Set wakes every Task waiting at that
// instant, and does not latch: a Task that starts waiting after Set must wait
// for the next one.
type Signal struct {
	s       *Scheduler
	waiters []*Task
}

// NewSignal returns a Signal bound to s.
func (s *Scheduler) NewSignal() *Signal {
	return &Signal{s: s}
}

// Set moves every waiting Task to the back of the run order, in the order
// they started waiting, cancelling any wait timeouts. It is a no-op if
// nothing is waiting.
func (x *Signal) Set() {
	waiters := x.waiters
	x.waiters = nil
	for _, t := range waiters {
		t.where = placeNone
		t.signal = nil
		if t.timer != nil {
			x.s.timers.remove(t.timer)
			t.timer = nil
		}
		t.woken = true
		x.s.pushStaged(t)
	}
}

// Wait suspends the current Task until the next Set, or until timeout
// elapses, reporting whether it was woken by Set. A negative timeout waits
// indefinitely. Wait panics with [ErrNotInTask] if called outside a Task.
func (x *Signal) Wait(timeout time.Duration) bool {
	s := x.s
	t := s.mustCurrent()
	s.detach(t)
	t.woken = false
	t.signal = x
	t.where = placeSignal
	x.waiters = append(x.waiters, t)
	if timeout >= 0 {
		t.timer = s.timers.add(time.Now().Add(timeout), t)
	}
	s.suspend(t)
	return t.woken
}

// Len returns the number of Tasks currently waiting.
func (x *Signal) Len() int { return len(x.waiters) }

func (x *Signal) remove(t *Task) {
	if i := slices.Index(x.waiters, t); i >= 0 {
		x.waiters = slices.Delete(x.waiters, i, i+1)
	}
}
