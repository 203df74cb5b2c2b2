// Package scheduler implements a single-threaded cooperative multitasking
// runtime. Many Tasks are multiplexed onto one logical thread of control:
// a Task runs until it pauses, waits on a [Signal], or returns, at which
// point the dispatch loop picks the next one.
//
// # Queues
//
// Runnable Tasks wait in a FIFO ready queue, which may be jumped with
// [Scheduler.ScheduleToTop]. Tasks that are scheduled, paused, or woken by a
// Signal are first staged, and join the back of the ready queue only once it
// has drained and the poller and timers have been checked, so a Task that
// keeps pausing cannot starve timers or I/O. Tasks paused until a point in
// time wait in the timed-pending set, ordered by wake time, with ties broken
// by insertion order. A Task occupies at most one of these positions (or a
// single Signal wait) at a time, and scheduling a Task that is already queued
// moves it.
//
// # I/O
//
// Each Scheduler owns a [poller.Poller]. Objects wrapping a descriptor
// create a [Waiter] for it, register interest with the poller, then wait on
// the Waiter's Signals. The dispatch loop fires those Signals as the poller
// reports readiness. See the greenio package for the protocol built on top.
//
// # Failures
//
// A panic in a Task kills only that Task. The failure is delivered to every
// registered [ExceptionHandler], and the loop carries on.
//
// # Threading
//
// With the exception of Submit, Stop, Close and State, a Scheduler must only
// be used by its running Task, or by the goroutine that calls Run (while the
// loop is not running).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
	"weak"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-greenloop/poller"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Scheduler is a cooperative task scheduler and dispatch loop. Independent
// Schedulers share no state.
type Scheduler struct {
	poller   poller.Poller
	logger   *logiface.Logger[logiface.Event]
	failures *catrate.Limiter

	registry map[int][]weak.Pointer[Waiter]
	handlers []weak.Pointer[ExceptionHandlerRef]
	live     map[*Task]struct{}

	current *Task
	main    *Task
	mainErr *PanicError

	ready  deque[*Task]
	staged deque[*Task]
	timers timers

	ingress struct {
		sync.Mutex
		fns []func()
	}

	wakeBuf [8]byte
	wakeR   int
	wakeW   int
	// wakeMu serializes wake with closing the wake fds
	wakeMu     sync.Mutex
	wakeClosed bool

	fastPoll time.Duration
	slowPoll time.Duration
	nextID   uint64

	state       loopState
	taskG       atomic.Uint64
	stopping    atomic.Bool
	wakePending atomic.Bool
	closing     bool
}

// New constructs a Scheduler, along with its poller (see [WithPoller] and
// [WithPollerKind]) and wake-up descriptor.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	p := cfg.poller
	if p == nil {
		if cfg.pollerKind != 0 {
			p, err = poller.New(cfg.pollerKind)
		} else {
			p, err = poller.Best()
		}
		if err != nil {
			return nil, fmt.Errorf("scheduler: create poller: %w", err)
		}
	}

	wakeR, wakeW, err := createWakeFd()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	if _, err := p.Register(wakeR, poller.In); err != nil {
		_ = p.Close()
		_ = unix.Close(wakeR)
		if wakeW != wakeR {
			_ = unix.Close(wakeW)
		}
		return nil, err
	}

	s := &Scheduler{
		poller:   p,
		logger:   cfg.logger,
		registry: make(map[int][]weak.Pointer[Waiter]),
		live:     make(map[*Task]struct{}),
		wakeR:    wakeR,
		wakeW:    wakeW,
		fastPoll: cfg.fastPoll,
		slowPoll: cfg.slowPoll,
	}
	if len(cfg.failureRates) != 0 {
		s.failures = catrate.NewLimiter(cfg.failureRates)
	}

	s.logger.Info().
		Stringer("poller", p.Kind()).
		Log("scheduler: created")

	return s, nil
}

// Poller returns the poller owned by the Scheduler.
func (s *Scheduler) Poller() poller.Poller { return s.poller }

// State returns the current state of the dispatch loop. It is safe to call
// from any goroutine.
func (s *Scheduler) State() LoopState { return s.state.Load() }

// Current returns the running Task, or nil if called outside of a Task.
func (s *Scheduler) Current() *Task { return s.current }

// Len returns the number of runnable Tasks (ready or staged), and the
// number in the timed-pending set.
func (s *Scheduler) Len() (ready, timed int) {
	return s.ready.Len() + s.staged.Len(), s.timers.Len()
}

// Go is shorthand for scheduling a new Task running fn, returning the Task.
func (s *Scheduler) Go(fn func()) *Task {
	t := s.NewTask(fn)
	s.pushStaged(t)
	return t
}

// Schedule appends target to the back of the run order, returning target.
// A TaskFunc is wrapped in a new Task.
func (s *Scheduler) Schedule(target Target) Target {
	s.pushStaged(target.resolve(s))
	return target
}

// ScheduleToTop pushes target to the front of the ready queue, so that it
// runs next. Repeated calls stack, with the most recent running first.
func (s *Scheduler) ScheduleToTop(target Target) Target {
	s.pushReady(target.resolve(s), true)
	return target
}

// ScheduleAt places target in the timed-pending set, to be moved to the
// ready queue once when has passed.
func (s *Scheduler) ScheduleAt(when time.Time, target Target) Target {
	s.pushTimed(target.resolve(s), when)
	return target
}

// ScheduleIn is ScheduleAt relative to the current time.
func (s *Scheduler) ScheduleIn(d time.Duration, target Target) Target {
	return s.ScheduleAt(time.Now().Add(d), target)
}

// Pause moves the current Task to the back of the run order, and yields.
// Timers and I/O are checked before it runs again. Pause panics with
// [ErrNotInTask] if called outside a Task.
func (s *Scheduler) Pause() {
	t := s.mustCurrent()
	s.pushStaged(t)
	s.suspend(t)
}

// PauseUntil suspends the current Task until when. See also Pause.
func (s *Scheduler) PauseUntil(when time.Time) {
	t := s.mustCurrent()
	s.pushTimed(t, when)
	s.suspend(t)
}

// PauseFor suspends the current Task for d. See also Pause.
func (s *Scheduler) PauseFor(d time.Duration) {
	s.PauseUntil(time.Now().Add(d))
}

func (s *Scheduler) mustCurrent() *Task {
	if s.closing {
		panic(ErrLoopTerminated)
	}
	t := s.current
	if t == nil {
		panic(ErrNotInTask)
	}
	return t
}

// suspend yields the running Task back to the dispatch loop.
func (s *Scheduler) suspend(t *Task) {
	t.suspend()
}

// detach removes t from whichever container currently holds it.
func (s *Scheduler) detach(t *Task) {
	switch t.where {
	case placeReady:
		s.ready.Remove(t)
	case placeStaged:
		s.staged.Remove(t)
	case placeTimed:
		s.timers.remove(t.timer)
		t.timer = nil
	case placeSignal:
		t.signal.remove(t)
		t.signal = nil
		if t.timer != nil {
			s.timers.remove(t.timer)
			t.timer = nil
		}
	}
	t.where = placeNone
}

func (s *Scheduler) place(t *Task, where placement) {
	t.where = where
	if t == s.current {
		return
	}
	if where == placeReady || where == placeStaged {
		t.state = TaskReady
	} else {
		t.state = TaskSuspended
	}
}

func (s *Scheduler) pushReady(t *Task, front bool) {
	if t.state == TaskDead {
		return
	}
	s.detach(t)
	if front {
		s.ready.PushFront(t)
	} else {
		s.ready.PushBack(t)
	}
	s.place(t, placeReady)
}

func (s *Scheduler) pushStaged(t *Task) {
	if t.state == TaskDead {
		return
	}
	s.detach(t)
	s.staged.PushBack(t)
	s.place(t, placeStaged)
}

// promoteStaged moves every staged Task to the back of the ready queue.
func (s *Scheduler) promoteStaged() {
	for {
		t, ok := s.staged.PopFront()
		if !ok {
			return
		}
		s.ready.PushBack(t)
		t.where = placeReady
	}
}

func (s *Scheduler) pushTimed(t *Task, when time.Time) {
	if t.state == TaskDead {
		return
	}
	s.detach(t)
	t.timer = s.timers.add(when, t)
	s.place(t, placeTimed)
}

// promoteTimers moves every entry due at now to the ready queue, in wake
// order. Signal waits that time out are woken with a false result.
func (s *Scheduler) promoteTimers(now time.Time) {
	for tm := s.timers.popExpired(now); tm != nil; tm = s.timers.popExpired(now) {
		t := tm.task
		t.timer = nil
		if t.where == placeSignal {
			t.signal.remove(t)
			t.signal = nil
			t.woken = false
		}
		t.where = placeNone
		s.pushReady(t, false)
	}
}

// Submit schedules fn to run in a new Task. Unlike the other scheduling
// operations, it is safe to call from any goroutine, and will wake the loop
// if it is blocked in poll.
func (s *Scheduler) Submit(fn func()) error {
	if fn == nil {
		return &TypeError{Message: "scheduler: nil task func"}
	}
	if s.state.IsClosing() {
		return ErrLoopTerminated
	}
	s.ingress.Lock()
	s.ingress.fns = append(s.ingress.fns, fn)
	s.ingress.Unlock()
	s.wake()
	return nil
}

func (s *Scheduler) drainIngress() {
	s.ingress.Lock()
	fns := s.ingress.fns
	s.ingress.fns = nil
	s.ingress.Unlock()
	for _, fn := range fns {
		s.Go(fn)
	}
}

// wake interrupts a blocking poll. Safe to call from any goroutine.
func (s *Scheduler) wake() {
	if s.state.Load() == StateTerminated || !s.wakePending.CompareAndSwap(false, true) {
		return
	}
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	if s.wakeClosed {
		return
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	if _, err := unix.Write(s.wakeW, buf); err != nil {
		// only expected while closing
		s.wakePending.Store(false)
	}
}

func (s *Scheduler) drainWake() {
	for {
		if _, err := unix.Read(s.wakeR, s.wakeBuf[:]); err != nil {
			break
		}
	}
	s.wakePending.Store(false)
}

// Stop causes Run (or Main) to return nil, at the next opportunity. Tasks
// remain queued, and the loop may be run again. Safe to call from any
// goroutine.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	s.wake()
}

// Run runs the dispatch loop until Stop or Close is called, ctx is done
// (returning ctx.Err()), or polling fails.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.start(); err != nil {
		return err
	}
	return s.loop(ctx)
}

// Main runs fn as a Task, along with the dispatch loop, until that Task
// finishes. A panic in fn is returned as a [*PanicError], rather than being
// delivered to the exception handlers.
func (s *Scheduler) Main(ctx context.Context, fn func()) error {
	if fn == nil {
		return &TypeError{Message: "scheduler: nil main func"}
	}
	if err := s.start(); err != nil {
		return err
	}
	s.main = s.Go(fn)
	s.mainErr = nil
	defer func() {
		s.main = nil
		s.mainErr = nil
	}()
	if err := s.loop(ctx); err != nil {
		return err
	}
	if s.mainErr != nil {
		return s.mainErr
	}
	return nil
}

func (s *Scheduler) start() error {
	if id := s.taskG.Load(); id != 0 && id == goroutineID() {
		return ErrReentrantRun
	}
	if !s.state.TryTransition(StateAwake, StateRunning) {
		if s.state.IsClosing() {
			return ErrLoopTerminated
		}
		return ErrLoopRunning
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) error {
	s.logger.Debug().Log("scheduler: loop started")
	defer func() {
		s.stopping.Store(false)
		if !s.state.TryTransition(StateRunning, StateAwake) {
			s.shutdown()
		}
		s.logger.Debug().Log("scheduler: loop stopped")
	}()

	stopCtx := context.AfterFunc(ctx, s.wake)
	defer stopCtx()

	for {
		if done, err := s.exit(ctx); done {
			return err
		}
		s.drainIngress()

		if s.ready.Len() == 0 {
			fast := s.fastPoll
			if s.staged.Len() != 0 {
				// there is work to do, only check
				fast = 0
			}
			if err := s.pollIO(s.pollTimeout(fast)); err != nil {
				return err
			}
			s.promoteTimers(time.Now())
			s.promoteStaged()

			for s.ready.Len() == 0 {
				if done, err := s.exit(ctx); done {
					return err
				}
				s.drainIngress()
				s.promoteStaged()
				if s.ready.Len() != 0 {
					break
				}
				if err := s.pollIO(s.pollTimeout(s.slowPoll)); err != nil {
					return err
				}
				s.promoteTimers(time.Now())
			}
		}

		t, _ := s.ready.PopFront()
		t.where = placeNone
		s.dispatch(t)
	}
}

// exit checks the conditions under which the loop returns.
func (s *Scheduler) exit(ctx context.Context) (bool, error) {
	if s.state.IsClosing() {
		return true, nil
	}
	if s.stopping.Load() {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return true, err
	}
	if s.main != nil && s.main.state == TaskDead {
		return true, nil
	}
	return false, nil
}

// pollTimeout bounds limit by the soonest timed wake-up.
func (s *Scheduler) pollTimeout(limit time.Duration) time.Duration {
	if when, ok := s.timers.next(); ok {
		return max(min(time.Until(when), limit), 0)
	}
	return limit
}

func (s *Scheduler) pollIO(timeout time.Duration) error {
	sleeping := timeout != 0 && s.state.TryTransition(StateRunning, StateSleeping)
	events, err := s.poller.Poll(timeout)
	if sleeping {
		s.state.TryTransition(StateSleeping, StateRunning)
	}
	if err != nil {
		s.logger.Crit().
			Err(err).
			Log("scheduler: poll failed")
		return fmt.Errorf("scheduler: poll: %w", err)
	}
	for _, ev := range events {
		if ev.Fd == s.wakeR {
			s.drainWake()
			continue
		}
		s.fire(ev.Fd, ev.Mask)
	}
	return nil
}

// dispatch runs t until it yields or dies.
func (s *Scheduler) dispatch(t *Task) {
	if t.state == TaskDead {
		return
	}
	if !t.co.Started() {
		s.live[t] = struct{}{}
	}
	s.current = t
	t.state = TaskRunning
	s.taskG.Store(t.gid)
	done, p := t.co.Resume()
	s.taskG.Store(0)
	s.current = nil

	if !done {
		if t.where == placeReady || t.where == placeStaged {
			t.state = TaskReady
		} else {
			t.state = TaskSuspended
		}
		return
	}

	s.detach(t)
	t.state = TaskDead
	delete(s.live, t)
	if p == nil {
		return
	}
	err := newPanicError(t, p.Value, p.Stack)
	if t == s.main {
		s.mainErr = err
		return
	}
	s.handlePanic(err)
}

// Close terminates the Scheduler. If the loop is running, it is stopped at
// the next opportunity, otherwise it is shut down immediately: every
// unfinished Task is unwound (running its deferred calls), then the poller
// and wake-up descriptors are closed. Safe to call from any goroutine.
func (s *Scheduler) Close() error {
	for {
		switch current := s.state.Load(); current {
		case StateTerminated, StateTerminating:
			return ErrLoopTerminated
		case StateAwake:
			if s.state.TryTransition(StateAwake, StateTerminating) {
				s.shutdown()
				return nil
			}
		default:
			if s.state.TryTransition(current, StateTerminating) {
				s.wake()
				return nil
			}
		}
	}
}

func (s *Scheduler) shutdown() {
	s.closing = true
	for t := range s.live {
		t.co.Stop()
		t.state = TaskDead
	}
	clear(s.live)
	for _, q := range []*deque[*Task]{&s.ready, &s.staged} {
		for {
			t, ok := q.PopFront()
			if !ok {
				break
			}
			t.where = placeNone
			t.state = TaskDead
		}
	}
	for _, tm := range s.timers.heap {
		tm.task.timer = nil
		tm.task.where = placeNone
		tm.task.state = TaskDead
	}
	s.timers.heap = nil
	clear(s.registry)
	s.handlers = nil

	var errs []error
	errs = append(errs, s.poller.Close())
	s.wakeMu.Lock()
	s.wakeClosed = true
	errs = append(errs, unix.Close(s.wakeR))
	if s.wakeW != s.wakeR {
		errs = append(errs, unix.Close(s.wakeW))
	}
	s.wakeMu.Unlock()
	s.state.Store(StateTerminated)

	if err := errors.Join(errs...); err != nil {
		s.logger.Warning().
			Err(err).
			Log("scheduler: close failed")
	}
}
