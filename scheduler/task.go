package scheduler

import (
	"fmt"
	"runtime"

	"github.com/joeycumines/go-greenloop/internal/coro"
)

// TaskState is the lifecycle state of a Task.
type TaskState int

const (
	// TaskCreated indicates the Task has never been scheduled.
	TaskCreated TaskState = iota
	// TaskReady indicates the Task is in the ready queue.
	TaskReady
	// TaskRunning indicates the Task is the one currently executing.
	TaskRunning
	// TaskSuspended indicates the Task is waiting on time or a Signal.
	TaskSuspended
	// TaskDead indicates the Task's entry action has returned or panicked.
	// Dead Tasks are ignored by every scheduling operation.
	TaskDead
)

func (x TaskState) String() string {
	switch x {
	case TaskCreated:
		return "Created"
	case TaskReady:
		return "Ready"
	case TaskRunning:
		return "Running"
	case TaskSuspended:
		return "Suspended"
	case TaskDead:
		return "Dead"
	default:
		return fmt.Sprintf("TaskState(%d)", int(x))
	}
}

// placement tracks which (single) container currently holds a Task.
type placement uint8

const (
	placeNone placement = iota
	placeReady
	placeStaged
	placeTimed
	placeSignal
)

// Task is a unit of cooperative execution, with its own stack. Tasks are
// created by [Scheduler.NewTask], or implicitly by scheduling a [TaskFunc].
type Task struct {
	s       *Scheduler
	fn      func()
	co      *coro.C
	suspend func()
	timer   *timer
	signal  *Signal
	id      uint64
	gid     uint64
	state   TaskState
	where   placement
	woken   bool
}

// ID returns the scheduler-unique identifier of the Task.
func (t *Task) ID() uint64 { return t.id }

// State returns the current lifecycle state of the Task.
func (t *Task) State() TaskState { return t.state }

func (t *Task) String() string {
	return fmt.Sprintf("Task(%d, %s)", t.id, t.state)
}

func (t *Task) resolve(s *Scheduler) *Task {
	if t == nil {
		panic(&TypeError{Message: "scheduler: nil task"})
	}
	if t.s != s {
		panic(&TypeError{Message: "scheduler: task belongs to a different scheduler"})
	}
	return t
}

// TaskFunc is an entry action that is wrapped in a new Task when scheduled.
type TaskFunc func()

func (f TaskFunc) resolve(s *Scheduler) *Task {
	if f == nil {
		panic(&TypeError{Message: "scheduler: nil task func"})
	}
	return s.NewTask(f)
}

// Target is accepted by the scheduling operations: either a *Task or a
// TaskFunc.
type Target interface {
	resolve(s *Scheduler) *Task
}

// NewTask creates a Task, in the TaskCreated state, that will run fn when
// first dispatched.
func (s *Scheduler) NewTask(fn func()) *Task {
	if fn == nil {
		panic(&TypeError{Message: "scheduler: nil task func"})
	}
	s.nextID++
	t := &Task{s: s, fn: fn, id: s.nextID}
	t.co = coro.New(func(suspend func()) {
		t.suspend = suspend
		t.gid = goroutineID()
		s.taskG.Store(t.gid)
		t.fn()
	})
	return t
}

// goroutineID returns the current goroutine's ID.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
