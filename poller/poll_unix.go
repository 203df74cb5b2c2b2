package poller

import (
	"os"
	"slices"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is the poll(2) backend. The kernel holds no state, so the
// pollfd array is rebuilt from the interest table whenever it changes.
type pollPoller struct {
	in     interests
	fds    []unix.PollFd
	dirty  bool
	closed bool
}

func newPoll() (Poller, error) {
	return &pollPoller{in: newInterests()}, nil
}

func (p *pollPoller) Kind() Kind { return KindPoll }

func (p *pollPoller) Register(fd int, mask Mask) (Token, error) {
	if p.closed {
		return Token{}, ErrClosed
	}
	if err := checkFD(fd, mask); err != nil {
		return Token{}, err
	}
	tok, f, prev := p.in.add(fd, mask)
	if !f.installed || f.mask != prev {
		p.dirty = true
	}
	f.installed = true
	return tok, nil
}

func (p *pollPoller) Unregister(fd int, token Token) error {
	if p.closed {
		return ErrClosed
	}
	f, prev, ok := p.in.remove(fd, token)
	if !ok {
		return nil
	}
	if len(f.tokens) == 0 {
		f.installed = false
		p.dirty = true
	} else if f.mask != prev {
		p.dirty = true
	}
	return nil
}

func (p *pollPoller) rebuild() {
	p.dirty = false
	p.fds = p.fds[:0]
	for fd, f := range p.in.fds {
		if !f.installed {
			continue
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: maskToPoll(f.mask)})
	}
	slices.SortFunc(p.fds, func(a, b unix.PollFd) int { return int(a.Fd) - int(b.Fd) })
}

func (p *pollPoller) Poll(timeout time.Duration) ([]Event, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if p.dirty {
		p.rebuild()
	}
	for i := range p.fds {
		p.fds[i].Revents = 0
	}

	n, err := unix.Poll(p.fds, durationToMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, os.NewSyscallError("poll", err)
	}

	events := make([]Event, 0, n)
	for i := range p.fds {
		if len(events) == n {
			break
		}
		if p.fds[i].Revents == 0 {
			continue
		}
		fd := int(p.fds[i].Fd)
		if m, ok := p.in.filter(fd, pollToMask(p.fds[i].Revents)); ok {
			events = append(events, Event{Fd: fd, Mask: m})
		}
	}
	return events, nil
}

func (p *pollPoller) Registrations() map[int]Mask { return p.in.snapshot() }

func (p *pollPoller) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	p.fds = nil
	return nil
}

func maskToPoll(m Mask) int16 {
	var v int16
	if m&In != 0 {
		v |= unix.POLLIN
	}
	if m&Out != 0 {
		v |= unix.POLLOUT
	}
	// POLLERR, POLLHUP and POLLNVAL are always reported
	return v
}

func pollToMask(v int16) Mask {
	var m Mask
	if v&(unix.POLLIN|unix.POLLPRI) != 0 {
		m |= In
	}
	if v&unix.POLLOUT != 0 {
		m |= Out
	}
	if v&(unix.POLLERR|unix.POLLNVAL) != 0 {
		m |= Err
	}
	if v&unix.POLLHUP != 0 {
		m |= In | Err
	}
	return m
}
