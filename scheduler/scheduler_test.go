package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-greenloop/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// started lazily by the failure log rate limiter, exits on its own
		goleak.IgnoreAnyFunction("github.com/joeycumines/go-catrate.(*Limiter).worker"),
	)
}

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// runMain runs fn as the main task, failing the test on error.
func runMain(t *testing.T, s *Scheduler, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Main(ctx, fn))
}

func TestNew_Options(t *testing.T) {
	_, err := New(WithFastPollTimeout(-1))
	var rangeErr *RangeError
	assert.True(t, errors.As(err, &rangeErr))

	_, err = New(WithSlowPollTimeout(0))
	assert.True(t, errors.As(err, &rangeErr))

	_, err = New(WithFailureLogRates(map[time.Duration]int{time.Second: 10, time.Minute: 5}))
	assert.True(t, errors.As(err, &rangeErr))

	_, err = New(WithPoller(nil))
	var typeErr *TypeError
	assert.True(t, errors.As(err, &typeErr))

	for _, kind := range poller.Kinds() {
		s, err := New(WithPollerKind(kind), nil)
		if !poller.Available(kind) {
			assert.ErrorIs(t, err, poller.ErrUnsupported)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, kind, s.Poller().Kind())
		require.NoError(t, s.Close())
	}
}

func TestSchedule_FIFO(t *testing.T) {
	s := newTestScheduler(t)
	var order []string
	record := func(name string) TaskFunc {
		return func() { order = append(order, name) }
	}
	runMain(t, s, func() {
		s.Schedule(record("a"))
		s.Schedule(record("b"))
		s.Schedule(record("c"))
		s.Pause()
		order = append(order, "main")
	})
	assert.Equal(t, []string{"a", "b", "c", "main"}, order)
}

func TestScheduleToTop(t *testing.T) {
	s := newTestScheduler(t)
	var order []string
	record := func(name string) TaskFunc {
		return func() { order = append(order, name) }
	}
	runMain(t, s, func() {
		s.Schedule(record("a"))
		s.ScheduleToTop(record("x"))
		s.ScheduleToTop(record("y"))
		s.Pause()
	})
	assert.Equal(t, []string{"y", "x", "a"}, order)
}

func TestSchedule_ReturnsTarget(t *testing.T) {
	s := newTestScheduler(t)
	fn := TaskFunc(func() {})
	task := s.NewTask(func() {})
	assert.Equal(t, task, s.Schedule(task))
	assert.NotNil(t, s.ScheduleIn(time.Millisecond, fn))
	ready, timed := s.Len()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, timed)
	assert.Panics(t, func() { s.Schedule(TaskFunc(nil)) })
	other := newTestScheduler(t)
	assert.Panics(t, func() { other.Schedule(task) })
}

func TestSchedule_Deadlines(t *testing.T) {
	s := newTestScheduler(t)
	var order []string
	record := func(name string) TaskFunc {
		return func() { order = append(order, name) }
	}
	runMain(t, s, func() {
		now := time.Now()
		s.ScheduleAt(now.Add(30*time.Millisecond), record("c"))
		s.ScheduleAt(now.Add(10*time.Millisecond), record("a"))
		s.ScheduleAt(now.Add(20*time.Millisecond), record("b1"))
		s.ScheduleAt(now.Add(20*time.Millisecond), record("b2"))
		s.ScheduleAt(now.Add(-time.Second), record("past"))
		s.PauseFor(80 * time.Millisecond)
	})
	assert.Equal(t, []string{"past", "a", "b1", "b2", "c"}, order)
}

func TestSchedule_MovesTask(t *testing.T) {
	s := newTestScheduler(t)
	var runs int
	runMain(t, s, func() {
		task := s.NewTask(func() { runs++ })
		assert.Equal(t, TaskCreated, task.State())

		s.ScheduleIn(time.Hour, task)
		assert.Equal(t, TaskSuspended, task.State())
		ready, timed := s.Len()
		assert.Equal(t, 0, ready)
		assert.Equal(t, 1, timed)

		s.Schedule(task)
		s.Schedule(task)
		assert.Equal(t, TaskReady, task.State())
		ready, timed = s.Len()
		assert.Equal(t, 1, ready)
		assert.Equal(t, 0, timed)

		s.Pause()
		assert.Equal(t, TaskDead, task.State())

		// dead tasks are inert
		s.Schedule(task)
		s.ScheduleToTop(task)
		s.ScheduleIn(0, task)
		ready, timed = s.Len()
		assert.Equal(t, 0, ready)
		assert.Equal(t, 0, timed)
	})
	assert.Equal(t, 1, runs)
}

func TestPause_Interleaving(t *testing.T) {
	s := newTestScheduler(t)
	var order []string
	worker := func(name string) TaskFunc {
		return func() {
			for range 3 {
				order = append(order, name)
				s.Pause()
			}
		}
	}
	runMain(t, s, func() {
		s.Schedule(worker("a"))
		s.Schedule(worker("b"))
		for range 4 {
			s.Pause()
		}
	})
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order)
}

func TestPause_TimersWhileBusy(t *testing.T) {
	s := newTestScheduler(t)
	var (
		done  bool
		spins int
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Main(ctx, func() {
		s.Go(func() {
			s.PauseFor(10 * time.Millisecond)
			done = true
		})
		for !done {
			spins++
			s.Pause()
		}
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Positive(t, spins)
}

func TestPause_StagedBehindReady(t *testing.T) {
	s := newTestScheduler(t)
	var order []string
	record := func(name string) TaskFunc {
		return func() { order = append(order, name) }
	}
	runMain(t, s, func() {
		s.Schedule(record("a"))
		s.ScheduleToTop(record("top"))
		s.ScheduleIn(-time.Second, record("due"))
		s.Pause()
		order = append(order, "main")
	})
	// timers that are due join the run order ahead of staged tasks
	assert.Equal(t, []string{"top", "due", "a", "main"}, order)
}

func TestPause_Timing(t *testing.T) {
	s := newTestScheduler(t)
	const d = 50 * time.Millisecond
	var elapsed time.Duration
	runMain(t, s, func() {
		start := time.Now()
		s.PauseFor(d)
		elapsed = time.Since(start)
	})
	assert.GreaterOrEqual(t, elapsed, d)
	assert.Less(t, elapsed, d+50*time.Millisecond)
}

func TestPause_NotInTask(t *testing.T) {
	s := newTestScheduler(t)
	assert.PanicsWithValue(t, ErrNotInTask, func() { s.Pause() })
	assert.PanicsWithValue(t, ErrNotInTask, func() { s.PauseFor(time.Millisecond) })
	assert.PanicsWithValue(t, ErrNotInTask, func() { s.NewSignal().Wait(-1) })
	assert.Nil(t, s.Current())
}

func TestCurrent(t *testing.T) {
	s := newTestScheduler(t)
	var (
		task  *Task
		state LoopState
	)
	runMain(t, s, func() {
		task = s.Current()
		assert.Equal(t, TaskRunning, task.State())
		state = s.State()
	})
	require.NotNil(t, task)
	assert.Equal(t, TaskDead, task.State())
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, StateAwake, s.State())
}

func TestMain_Panic(t *testing.T) {
	s := newTestScheduler(t)
	var handled atomic.Int32
	ref, err := s.AddExceptionHandler(func(*PanicError) { handled.Add(1) })
	require.NoError(t, err)
	defer ref.Remove()

	boom := errors.New("boom")
	err = s.Main(context.Background(), func() { panic(boom) })
	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, boom, panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Zero(t, handled.Load())
}

func TestRun_Reentrant(t *testing.T) {
	s := newTestScheduler(t)
	var err1, err2 error
	runMain(t, s, func() {
		err1 = s.Run(context.Background())
		err2 = s.Main(context.Background(), func() {})
	})
	assert.ErrorIs(t, err1, ErrReentrantRun)
	assert.ErrorIs(t, err2, ErrReentrantRun)
}

func TestRun_Stop(t *testing.T) {
	s := newTestScheduler(t)
	var ran bool
	s.Go(func() {
		ran = true
		s.Stop()
	})
	require.NoError(t, s.Run(context.Background()))
	assert.True(t, ran)
	assert.Equal(t, StateAwake, s.State())

	// may be run again
	s.Go(s.Stop)
	require.NoError(t, s.Run(context.Background()))
}

func TestRun_Context(t *testing.T) {
	s := newTestScheduler(t, WithSlowPollTimeout(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSubmit(t *testing.T) {
	s := newTestScheduler(t, WithSlowPollTimeout(time.Hour))
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	var ran atomic.Bool
	for s.State() != StateSleeping {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, s.Submit(func() {
		ran.Store(true)
		s.Stop()
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop not woken")
	}
	assert.True(t, ran.Load())

	var typeErr *TypeError
	assert.True(t, errors.As(s.Submit(nil), &typeErr))
}

func TestClose(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	var unwound atomic.Int32
	runMain(t, s, func() {
		s.Go(func() {
			defer unwound.Add(1)
			s.PauseFor(time.Hour)
		})
		s.Go(func() {
			defer unwound.Add(1)
			s.NewSignal().Wait(-1)
		})
		s.Pause()
		s.ScheduleToTop(TaskFunc(func() { t.Error("should not run") }))
	})

	require.NoError(t, s.Close())
	assert.Equal(t, int32(2), unwound.Load())
	assert.Equal(t, StateTerminated, s.State())
	assert.ErrorIs(t, s.Close(), ErrLoopTerminated)
	assert.ErrorIs(t, s.Run(context.Background()), ErrLoopTerminated)
	assert.ErrorIs(t, s.Submit(func() {}), ErrLoopTerminated)
	_, err = s.Poller().Poll(0)
	assert.ErrorIs(t, err, poller.ErrClosed)
}

func TestClose_WhileRunning(t *testing.T) {
	s, err := New(WithSlowPollTimeout(time.Hour))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- s.Main(context.Background(), func() {
			s.PauseFor(time.Hour)
		})
	}()
	for s.State() != StateSleeping {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop not woken")
	}
	assert.Equal(t, StateTerminated, s.State())
}

func TestWake_ClosedDescriptor(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// a wake from another goroutine may still see Terminating after the
	// wake fds are gone
	s.state.Store(StateTerminating)
	defer s.state.Store(StateTerminated)
	s.wakePending.Store(false)

	// reuse the closed descriptor number, so a stray write would land here
	peer := -1
	for range 64 {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
		})
		switch s.wakeW {
		case fds[0]:
			peer = fds[1]
		case fds[1]:
			peer = fds[0]
		}
		if peer != -1 {
			break
		}
	}
	if peer == -1 {
		t.Skip("wake descriptor number was not reused")
	}
	require.NoError(t, unix.SetNonblock(peer, true))

	s.wake()
	_, err = unix.Read(peer, make([]byte, 8))
	assert.Equal(t, unix.EAGAIN, err)
}

func TestIsolation(t *testing.T) {
	a := newTestScheduler(t)
	b := newTestScheduler(t)
	var ran bool
	b.Go(func() { ran = true })
	runMain(t, a, func() { a.Pause() })
	assert.False(t, ran)
	ready, _ := b.Len()
	assert.Equal(t, 1, ready)
}
