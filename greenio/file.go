// Package greenio turns non-blocking descriptors into blocking-style I/O for
// scheduler Tasks.
//
// Every operation follows the same pattern: attempt the non-blocking call,
// and if it would block, register interest with the scheduler's poller, wait
// on the matching Signal for whatever remains of the per-call timeout, then
// try again. The registration is always removed before the operation
// returns. Timeouts are absolute: each call computes its deadline once, so
// it is elapsed time, not the number of attempts, that matters.
//
// Syscall failures are returned as [*os.SyscallError], and timeouts as
// [*TimeoutError].
package greenio

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/joeycumines/go-greenloop/poller"
	"github.com/joeycumines/go-greenloop/scheduler"
	"golang.org/x/sys/unix"
)

// File is a non-blocking descriptor bound to a Scheduler. Like the
// Scheduler, it must only be used by Tasks (or while the loop is not
// running).
type File struct {
	s       *scheduler.Scheduler
	waiter  *scheduler.Waiter
	tokens  map[poller.Token]struct{}
	fd      int
	timeout time.Duration
	closed  bool
}

// NewFile takes ownership of fd, switching it to non-blocking mode. By
// default, operations have no timeout.
func NewFile(s *scheduler.Scheduler, fd int) (*File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("fcntl", err)
	}
	return newFile(s, fd), nil
}

func newFile(s *scheduler.Scheduler, fd int) *File {
	return &File{
		s:       s,
		waiter:  s.NewWaiter(fd),
		tokens:  make(map[poller.Token]struct{}),
		fd:      fd,
		timeout: -1,
	}
}

// Fd returns the underlying descriptor.
func (f *File) Fd() int { return f.fd }

// SetTimeout sets the per-call timeout for blocking operations. Negative
// disables the timeout.
func (f *File) SetTimeout(d time.Duration) { f.timeout = d }

// Timeout returns the per-call timeout, see SetTimeout.
func (f *File) Timeout() time.Duration { return f.timeout }

// Read reads up to len(p) bytes, blocking the calling Task until at least
// one byte is available. It returns [io.EOF] at end of stream.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	dl := NewDeadline(f.timeout)
	for {
		n, err := unix.Read(f.fd, p)
		switch err {
		case nil:
			if n == 0 && len(p) != 0 {
				return 0, io.EOF
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if err := f.wait(poller.In, dl, "read"); err != nil {
				return 0, err
			}
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

// Write writes all of p, blocking the calling Task as necessary. On failure,
// the number of bytes already written is returned with the error.
func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	dl := NewDeadline(f.timeout)
	var written int
	for written < len(p) {
		n, err := unix.Write(f.fd, p[written:])
		switch err {
		case nil:
			written += n
		case unix.EINTR:
		case unix.EAGAIN:
			if err := f.wait(poller.Out, dl, "write"); err != nil {
				return written, err
			}
		default:
			return written, os.NewSyscallError("write", err)
		}
	}
	return written, nil
}

// WaitReadable blocks until the descriptor is readable, or the timeout
// (negative for none) elapses.
func (f *File) WaitReadable(timeout time.Duration) error {
	return f.wait(poller.In, NewDeadline(timeout), "wait")
}

// WaitWritable blocks until the descriptor is writable, or the timeout
// (negative for none) elapses.
func (f *File) WaitWritable(timeout time.Duration) error {
	return f.wait(poller.Out, NewDeadline(timeout), "wait")
}

// Retry runs op until it returns something other than [ErrWantRead] or
// [ErrWantWrite], waiting for the requested readiness between attempts.
// This is the general form of the pattern used by Read and Write, suited to
// multi-step exchanges such as handshakes. The timeout (negative for none)
// bounds the whole call.
func (f *File) Retry(timeout time.Duration, op func() error) error {
	dl := NewDeadline(timeout)
	for {
		if f.closed {
			return ErrClosed
		}
		err := op()
		switch {
		case errors.Is(err, ErrWantRead):
			err = f.wait(poller.In, dl, "retry")
		case errors.Is(err, ErrWantWrite):
			err = f.wait(poller.Out, dl, "retry")
		default:
			return err
		}
		if err != nil {
			return err
		}
	}
}

// wait parks the current Task until the descriptor is ready in the given
// direction (or errored), the deadline passes, or the File is closed.
func (f *File) wait(mask poller.Mask, dl Deadline, op string) error {
	if f.closed {
		return ErrClosed
	}
	if f.s.Current() == nil {
		return ErrNotInTask
	}
	remaining, err := dl.Remaining(op)
	if err != nil {
		return err
	}

	p := f.s.Poller()
	tok, err := p.Register(f.fd, mask|poller.Err)
	if err != nil {
		return err
	}
	f.tokens[tok] = struct{}{}
	defer func() {
		// Close may have already removed it
		if _, ok := f.tokens[tok]; ok {
			delete(f.tokens, tok)
			_ = p.Unregister(f.fd, tok)
		}
	}()

	sig := f.waiter.Readable()
	if mask&poller.Out != 0 {
		sig = f.waiter.Writable()
	}
	woken := sig.Wait(remaining)
	if f.closed {
		return ErrClosed
	}
	if !woken {
		return &TimeoutError{Op: op, After: dl.timeout}
	}
	return nil
}

// Close releases the descriptor. Any Task blocked on the File is woken, and
// fails with [ErrClosed]. Subsequent calls return ErrClosed.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	p := f.s.Poller()
	for tok := range f.tokens {
		_ = p.Unregister(f.fd, tok)
	}
	clear(f.tokens)
	f.waiter.Close()
	if err := unix.Close(f.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}
