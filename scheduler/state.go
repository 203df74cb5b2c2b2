package scheduler

import (
	"sync/atomic"
)

// LoopState represents the current state of a Scheduler's dispatch loop.
//
//	StateAwake (0) → StateRunning (3)         [Run()]
//	StateRunning (3) → StateSleeping (2)      [blocking poll]
//	StateSleeping (2) → StateRunning (3)      [poll returned]
//	StateRunning (3) → StateAwake (0)         [Stop(), ctx done]
//	StateRunning (3) → StateTerminating (4)   [Close()]
//	StateSleeping (2) → StateTerminating (4)  [Close()]
//	StateAwake (0) → StateTerminating (4)     [Close()]
//	StateTerminating (4) → StateTerminated (1) [shutdown complete]
type LoopState uint64

const (
	// StateAwake indicates the loop is not currently running.
	StateAwake LoopState = 0
	// StateTerminated indicates the scheduler has been closed.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is blocked in poll.
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is dispatching tasks.
	StateRunning LoopState = 3
	// StateTerminating indicates Close was called while the loop was running.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is the lock-free state machine shared between the loop and the
// thread-safe entry points (Submit, Stop, Close).
type loopState struct {
	v atomic.Uint64
}

func (s *loopState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store must only be used for irreversible states.
func (s *loopState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

func (s *loopState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

func (s *loopState) IsClosing() bool {
	state := s.Load()
	return state == StateTerminating || state == StateTerminated
}
