//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poller

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const kqueueSupported = true

// kqueuer is the kqueue(2) backend. Readiness is tracked with one filter per
// direction, and events are merged per descriptor on the way out.
type kqueuer struct {
	in       interests
	eventBuf [256]unix.Kevent_t // preallocated
	kq       int
	closed   bool
}

func newKqueue() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	return &kqueuer{kq: kq, in: newInterests()}, nil
}

func (p *kqueuer) Kind() Kind { return KindKqueue }

func (p *kqueuer) Register(fd int, mask Mask) (Token, error) {
	if p.closed {
		return Token{}, ErrClosed
	}
	if err := checkFD(fd, mask); err != nil {
		return Token{}, err
	}

	tok, f, prev := p.in.add(fd, mask)
	var installed Mask
	if f.installed {
		installed = prev
	}
	if add := f.mask &^ installed; add&(In|Out) != 0 {
		if err := p.change(fd, add, unix.EV_ADD|unix.EV_ENABLE); err != nil {
			p.in.rollback(tok, prev)
			return Token{}, err
		}
	}
	f.installed = true
	return tok, nil
}

func (p *kqueuer) Unregister(fd int, token Token) error {
	if p.closed {
		return ErrClosed
	}

	f, prev, ok := p.in.remove(fd, token)
	if !ok || !f.installed {
		return nil
	}
	if len(f.tokens) == 0 {
		f.installed = false
	}
	if del := prev &^ f.mask; del&(In|Out) != 0 {
		if err := p.change(fd, del, unix.EV_DELETE); err != nil && !errors.Is(err, unix.ENOENT) {
			return err
		}
	}
	return nil
}

func (p *kqueuer) change(fd int, m Mask, flags int) error {
	var changes [2]unix.Kevent_t
	n := 0
	if m&In != 0 {
		unix.SetKevent(&changes[n], fd, unix.EVFILT_READ, flags)
		n++
	}
	if m&Out != 0 {
		unix.SetKevent(&changes[n], fd, unix.EVFILT_WRITE, flags)
		n++
	}
	if _, err := unix.Kevent(p.kq, changes[:n], nil, nil); err != nil {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

func (p *kqueuer) Poll(timeout time.Duration) ([]Event, error) {
	if p.closed {
		return nil, ErrClosed
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		v := unix.NsecToTimespec(int64(timeout))
		ts = &v
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, os.NewSyscallError("kevent", err)
	}

	events := make([]Event, 0, n)
	index := make(map[int]int, n)
	for i := 0; i < n; i++ {
		ev := &p.eventBuf[i]
		fd := int(ev.Ident)
		m, ok := p.in.filter(fd, keventToMask(ev))
		if !ok {
			continue
		}
		if j, ok := index[fd]; ok {
			events[j].Mask |= m
			continue
		}
		index[fd] = len(events)
		events = append(events, Event{Fd: fd, Mask: m})
	}
	return events, nil
}

func (p *kqueuer) Registrations() map[int]Mask { return p.in.snapshot() }

func (p *kqueuer) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	return unix.Close(p.kq)
}

func keventToMask(ev *unix.Kevent_t) Mask {
	var m Mask
	switch ev.Filter {
	case unix.EVFILT_READ:
		m |= In
	case unix.EVFILT_WRITE:
		m |= Out
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		m |= Err
	}
	if ev.Flags&unix.EV_EOF != 0 {
		m |= Err
	}
	return m
}
