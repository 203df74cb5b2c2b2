package scheduler

import (
	"time"
)

// Recurrence is a handle to a series of runs set up by
// [Scheduler.ScheduleRecurring].
type Recurrence struct {
	s        *Scheduler
	fn       func()
	pending  *Task
	interval time.Duration
	maxTimes int
	runs     int
	stopped  bool
}

// ScheduleRecurring runs target every interval, starting at startingAt plus
// interval (or now plus interval, if startingAt is the zero value). Each run
// is a new Task. Run times are computed from the scheduled time of the
// previous run, rather than when it actually ran, so delays do not
// accumulate.
//
// If maxTimes is greater than zero, no more than maxTimes runs occur. A run
// that panics ends the series. If target is a *Task, its entry action is
// what recurs, and the Task itself is left alone.
func (s *Scheduler) ScheduleRecurring(interval time.Duration, target Target, maxTimes int, startingAt time.Time) (*Recurrence, error) {
	if interval <= 0 {
		return nil, &RangeError{Message: "scheduler: recurring interval must be positive"}
	}
	var fn func()
	switch v := target.(type) {
	case TaskFunc:
		if v == nil {
			return nil, &TypeError{Message: "scheduler: nil task func"}
		}
		fn = v
	case *Task:
		if v == nil || v.s != s {
			return nil, &TypeError{Message: "scheduler: invalid task"}
		}
		if v.state == TaskDead {
			return nil, &TypeError{Message: "scheduler: cannot schedule a dead task"}
		}
		fn = v.fn
	default:
		return nil, &TypeError{Message: "scheduler: unsupported target"}
	}
	if startingAt.IsZero() {
		startingAt = time.Now()
	}
	r := &Recurrence{
		s:        s,
		fn:       fn,
		interval: interval,
		maxTimes: maxTimes,
	}
	r.schedule(startingAt.Add(interval))
	return r, nil
}

func (r *Recurrence) schedule(when time.Time) {
	r.pending = r.s.NewTask(func() { r.run(when) })
	r.s.pushTimed(r.pending, when)
}

func (r *Recurrence) run(when time.Time) {
	r.pending = nil
	if r.stopped {
		return
	}
	r.runs++
	r.fn()
	if r.stopped || (r.maxTimes > 0 && r.runs >= r.maxTimes) {
		return
	}
	r.schedule(when.Add(r.interval))
}

// Runs returns the number of runs started so far.
func (r *Recurrence) Runs() int { return r.runs }

// Stop cancels any future runs. It is idempotent.
func (r *Recurrence) Stop() {
	r.stopped = true
	if t := r.pending; t != nil && !t.co.Started() {
		r.s.detach(t)
		t.state = TaskDead
		r.pending = nil
	}
}
