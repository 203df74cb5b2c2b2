package scheduler

import (
	"reflect"
	"weak"
)

// ExceptionHandler observes panics that escape Tasks. Handlers run on the
// loop, in registration order, and must not block. A panicking handler is
// recovered and ignored.
type ExceptionHandler func(err *PanicError)

// ExceptionHandlerRef is the registration handle returned by
// [Scheduler.AddExceptionHandler]. The scheduler only holds it weakly: once
// the caller drops every reference, the handler is eventually removed.
type ExceptionHandlerRef struct {
	handler ExceptionHandler
	removed bool
}

// Remove unregisters the handler. It is idempotent.
func (r *ExceptionHandlerRef) Remove() { r.removed = true }

// AddExceptionHandler registers h to observe Task panics.
func (s *Scheduler) AddExceptionHandler(h ExceptionHandler) (*ExceptionHandlerRef, error) {
	if h == nil {
		return nil, &TypeError{Message: "scheduler: exception handler must be non-nil"}
	}
	ref := &ExceptionHandlerRef{handler: h}
	s.handlers = append(s.pruneHandlers(), weak.Make(ref))
	return ref, nil
}

func (s *Scheduler) pruneHandlers() []weak.Pointer[ExceptionHandlerRef] {
	live := s.handlers[:0]
	for _, wp := range s.handlers {
		if r := wp.Value(); r != nil && !r.removed {
			live = append(live, wp)
		}
	}
	clear(s.handlers[len(live):])
	s.handlers = live
	return live
}

func newPanicError(t *Task, value any, stack []byte) *PanicError {
	return &PanicError{
		Task:  t.id,
		Type:  reflect.TypeOf(value),
		Value: value,
		Stack: stack,
	}
}

// handlePanic is the exception containment path for a Task that died with a
// panic.
func (s *Scheduler) handlePanic(err *PanicError) {
	s.logPanic(err)
	// copy, so handlers may register or remove handlers
	handlers := append([]weak.Pointer[ExceptionHandlerRef](nil), s.pruneHandlers()...)
	for _, wp := range handlers {
		if r := wp.Value(); r != nil && !r.removed {
			callHandler(r.handler, err)
		}
	}
}

func callHandler(h ExceptionHandler, err *PanicError) {
	defer func() { _ = recover() }()
	h(err)
}

func (s *Scheduler) logPanic(err *PanicError) {
	b := s.logger.Err()
	if !b.Enabled() {
		return
	}
	category := "<nil>"
	if err.Type != nil {
		category = err.Type.String()
	}
	if _, ok := s.failures.Allow(category); !ok {
		b.Release()
		return
	}
	b.Uint64("task", err.Task).
		Str("panic_type", category).
		Any("panic", err.Value).
		Str("stack", string(err.Stack)).
		Log("scheduler: task panicked")
}
