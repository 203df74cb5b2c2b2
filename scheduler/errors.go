package scheduler

import (
	"errors"
	"fmt"
	"reflect"
)

// Standard errors.
var (
	// ErrNotInTask is the panic value (or error) used when an operation that
	// must be performed by the running Task is attempted from elsewhere.
	ErrNotInTask = errors.New("scheduler: not called from within a task")

	// ErrLoopRunning is returned when Run or Main is called while the loop is
	// already running.
	ErrLoopRunning = errors.New("scheduler: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a closed
	// scheduler.
	ErrLoopTerminated = errors.New("scheduler: loop has been terminated")

	// ErrReentrantRun is returned when Run or Main is called by a Task.
	ErrReentrantRun = errors.New("scheduler: cannot call Run from within a task")
)

// TypeError is returned when an argument is of an unusable kind, e.g. a nil
// handler, or a Task that has already finished.
type TypeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "scheduler: type error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TypeError) Unwrap() error {
	return e.Cause
}

// RangeError is returned when a numeric argument is outside its valid range.
type RangeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	if e.Message == "" {
		return "scheduler: range error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *RangeError) Unwrap() error {
	return e.Cause
}

// PanicError describes a panic that escaped a Task. It carries the kind of
// failure (Type, the dynamic type of Value), the value itself, and the stack
// of the Task at the point of the panic.
type PanicError struct {
	Type  reflect.Type
	Value any
	Stack []byte
	// Task is the ID of the failed Task.
	Task uint64
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("scheduler: task %d panicked: %v", e.Task, e.Value)
}

// Unwrap returns the panic value if it is an error, enabling use with
// [errors.Is] and [errors.As].
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
