// Package coro implements stackful coroutines on top of goroutines, using a
// strict handoff so that exactly one of the resumer and the coroutine body is
// executing at any time.
//
// Based on the design described in https://research.swtch.com/coro.
package coro

import (
	"errors"
	"runtime/debug"
)

// errStopped unwinds a suspended body when Stop is called. It is recovered
// by the coroutine's own goroutine, and is never surfaced.
var errStopped = errors.New("coro: stopped")

// Panic is a panic recovered from a coroutine body.
type Panic struct {
	Value any
	Stack []byte
}

// C is a coroutine. The zero value is not usable, see New.
//
// C is not safe for concurrent use. Resume and Stop must be called from a
// single goroutine (or serialized externally).
type C struct {
	fn       func(suspend func())
	resumeCh chan struct{}
	yieldCh  chan struct{}
	panic    *Panic
	started  bool
	running  bool
	done     bool
	stopping bool
}

// New prepares a coroutine that will run fn on the first call to Resume.
// The body suspends itself by calling the provided suspend func, which
// blocks until the next Resume.
func New(fn func(suspend func())) *C {
	return &C{
		fn:       fn,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
	}
}

// Resume transfers control to the coroutine, blocking until it suspends or
// returns. It reports whether the body has finished, and, if the body
// panicked, the recovered panic. Resuming a finished coroutine is a no-op.
func (c *C) Resume() (done bool, p *Panic) {
	if c.done {
		return true, nil
	}
	if c.running {
		panic("coro: resume of running coroutine")
	}
	c.running = true
	if !c.started {
		c.started = true
		go c.run()
	} else {
		c.resumeCh <- struct{}{}
	}
	<-c.yieldCh
	c.running = false
	p, c.panic = c.panic, nil
	return c.done, p
}

// Started reports whether Resume has been called at least once.
func (c *C) Started() bool { return c.started }

// Done reports whether the body has returned (or panicked, or was stopped).
func (c *C) Done() bool { return c.done }

// Stop unwinds a suspended coroutine, running its deferred calls, and waits
// for its goroutine to exit. A coroutine that was never started is simply
// marked done. Stop is idempotent.
func (c *C) Stop() {
	if c.done {
		return
	}
	if !c.started {
		c.done = true
		return
	}
	c.stopping = true
	c.resumeCh <- struct{}{}
	<-c.yieldCh
	c.panic = nil
}

func (c *C) run() {
	defer func() {
		if r := recover(); r != nil && r != errStopped { //nolint:errorlint
			c.panic = &Panic{Value: r, Stack: debug.Stack()}
		}
		c.done = true
		c.yieldCh <- struct{}{}
	}()
	c.fn(c.suspend)
}

func (c *C) suspend() {
	c.yieldCh <- struct{}{}
	<-c.resumeCh
	if c.stopping {
		panic(errStopped)
	}
}
