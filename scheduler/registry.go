package scheduler

import (
	"weak"

	"github.com/joeycumines/go-greenloop/poller"
)

// Waiter is the per-object readiness state for a descriptor: a pair of
// Signals, fired by the dispatch loop when the poller reports the descriptor
// readable or writable.
//
// The scheduler holds Waiters weakly. An owner that is garbage collected, or
// closed, silently drops out of the registry.
type Waiter struct {
	readable *Signal
	writable *Signal
	fd       int
	closed   bool
}

// NewWaiter creates a Waiter for fd, and registers it. Multiple live
// Waiters may share a descriptor number (e.g. after dup), and all of them
// are notified.
func (s *Scheduler) NewWaiter(fd int) *Waiter {
	w := &Waiter{
		fd:       fd,
		readable: s.NewSignal(),
		writable: s.NewSignal(),
	}
	s.registry[fd] = append(s.prune(fd), weak.Make(w))
	return w
}

// Fd returns the descriptor the Waiter was registered under.
func (w *Waiter) Fd() int { return w.fd }

// Readable is fired when the descriptor is readable, or in an error state.
func (w *Waiter) Readable() *Signal { return w.readable }

// Writable is fired when the descriptor is writable, or in an error state.
func (w *Waiter) Writable() *Signal { return w.writable }

// Closed reports whether Close has been called.
func (w *Waiter) Closed() bool { return w.closed }

// Close removes the Waiter from consideration, waking any Task parked on
// either Signal. It is idempotent.
func (w *Waiter) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.readable.Set()
	w.writable.Set()
}

// Waiters returns the live Waiters registered for fd, in registration order.
func (s *Scheduler) Waiters(fd int) []*Waiter {
	refs := s.prune(fd)
	if len(refs) == 0 {
		return nil
	}
	waiters := make([]*Waiter, 0, len(refs))
	for _, ref := range refs {
		if w := ref.Value(); w != nil {
			waiters = append(waiters, w)
		}
	}
	return waiters
}

// prune drops collected or closed entries for fd, returning what remains.
func (s *Scheduler) prune(fd int) []weak.Pointer[Waiter] {
	refs := s.registry[fd]
	live := refs[:0]
	for _, ref := range refs {
		if w := ref.Value(); w != nil && !w.closed {
			live = append(live, ref)
		}
	}
	clear(refs[len(live):])
	if len(live) == 0 {
		delete(s.registry, fd)
		return nil
	}
	s.registry[fd] = live
	return live
}

// fire delivers one poll event to the Waiters for fd. With nothing waiting
// the event is dropped.
func (s *Scheduler) fire(fd int, mask poller.Mask) {
	waiters := s.Waiters(fd)
	if mask&(poller.In|poller.Err) != 0 {
		for _, w := range waiters {
			w.readable.Set()
		}
	}
	if mask&(poller.Out|poller.Err) != 0 {
		for _, w := range waiters {
			w.writable.Set()
		}
	}
}
