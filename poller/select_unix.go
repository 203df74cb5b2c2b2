package poller

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// selectMaxFD is FD_SETSIZE, derived from the platform's fd_set layout.
const selectMaxFD = int(unsafe.Sizeof(unix.FdSet{})) * 8

// selectPoller is the select(2) backend, the universally available but least
// scalable option. Descriptors at or above FD_SETSIZE are rejected.
type selectPoller struct {
	in     interests
	closed bool
}

func newSelect() (Poller, error) {
	return &selectPoller{in: newInterests()}, nil
}

func (p *selectPoller) Kind() Kind { return KindSelect }

func (p *selectPoller) Register(fd int, mask Mask) (Token, error) {
	if p.closed {
		return Token{}, ErrClosed
	}
	if fd >= selectMaxFD {
		return Token{}, os.NewSyscallError("select", unix.EINVAL)
	}
	if err := checkFD(fd, mask); err != nil {
		return Token{}, err
	}
	tok, f, _ := p.in.add(fd, mask)
	f.installed = true
	return tok, nil
}

func (p *selectPoller) Unregister(fd int, token Token) error {
	if p.closed {
		return ErrClosed
	}
	if f, _, ok := p.in.remove(fd, token); ok && len(f.tokens) == 0 {
		f.installed = false
	}
	return nil
}

func (p *selectPoller) Poll(timeout time.Duration) ([]Event, error) {
	if p.closed {
		return nil, ErrClosed
	}

	var (
		r, w, e unix.FdSet
		nfd     int
	)
	for fd, f := range p.in.fds {
		if !f.installed {
			continue
		}
		if f.mask&In != 0 {
			r.Set(fd)
		}
		if f.mask&Out != 0 {
			w.Set(fd)
		}
		e.Set(fd)
		if fd >= nfd {
			nfd = fd + 1
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		v := unix.NsecToTimeval(int64(timeout))
		tv = &v
	}

	n, err := unix.Select(nfd, &r, &w, &e, tv)
	if err != nil {
		switch err {
		case unix.EINTR:
			return nil, nil
		case unix.EBADF:
			// a registered descriptor was closed, which poll(2) would report
			// as POLLNVAL, so do the same
			return p.badDescriptors(), nil
		}
		return nil, os.NewSyscallError("select", err)
	}

	events := make([]Event, 0, n)
	for fd, f := range p.in.fds {
		if !f.installed {
			continue
		}
		var m Mask
		if r.IsSet(fd) {
			m |= In
		}
		if w.IsSet(fd) {
			m |= Out
		}
		if e.IsSet(fd) {
			m |= Err
		}
		if m != 0 {
			events = append(events, Event{Fd: fd, Mask: m})
		}
	}
	p.normalize(events)
	return events, nil
}

// normalize adds the hangup and error conditions that select cannot
// express (e.g. EOF shows up as plain readability), by checking the ready
// descriptors again with a non-blocking poll(2).
func (p *selectPoller) normalize(events []Event) {
	if len(events) == 0 {
		return
	}
	fds := make([]unix.PollFd, len(events))
	for i, ev := range events {
		fds[i] = unix.PollFd{Fd: int32(ev.Fd), Events: maskToPoll(p.in.fds[ev.Fd].mask)}
	}
	if _, err := unix.Poll(fds, 0); err != nil {
		return
	}
	for i := range events {
		events[i].Mask |= pollToMask(fds[i].Revents)
	}
}

func (p *selectPoller) badDescriptors() []Event {
	var events []Event
	for fd, f := range p.in.fds {
		if !f.installed {
			continue
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			events = append(events, Event{Fd: fd, Mask: Err})
		}
	}
	return events
}

func (p *selectPoller) Registrations() map[int]Mask { return p.in.snapshot() }

func (p *selectPoller) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	return nil
}
