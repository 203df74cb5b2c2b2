//go:build linux

package poller

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const epollSupported = true

// epoller is the epoll(7) backend.
type epoller struct {
	in       interests
	eventBuf [256]unix.EpollEvent // preallocated
	epfd     int
	closed   bool
}

func newEpoll() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epoller{epfd: epfd, in: newInterests()}, nil
}

func (p *epoller) Kind() Kind { return KindEpoll }

func (p *epoller) Register(fd int, mask Mask) (Token, error) {
	if p.closed {
		return Token{}, ErrClosed
	}
	if err := checkFD(fd, mask); err != nil {
		return Token{}, err
	}

	tok, f, prev := p.in.add(fd, mask)
	if f.installed && f.mask == prev {
		// already covered by the existing registration
		return tok, nil
	}

	if err := p.ctl(fd, f); err != nil {
		p.in.rollback(tok, prev)
		return Token{}, err
	}
	f.installed = true
	return tok, nil
}

func (p *epoller) Unregister(fd int, token Token) error {
	if p.closed {
		return ErrClosed
	}

	f, prev, ok := p.in.remove(fd, token)
	if !ok || !f.installed {
		return nil
	}

	if len(f.tokens) == 0 {
		f.installed = false
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return os.NewSyscallError("epoll_ctl", err)
		}
		return nil
	}

	if f.mask == prev {
		return nil
	}
	return p.ctl(fd, f)
}

// ctl installs or modifies the registration for fd, tolerating descriptor
// reuse (a stale installed flag, or a registration left by a dup).
func (p *epoller) ctl(fd int, f *fdInterest) error {
	ev := unix.EpollEvent{Events: maskToEpoll(f.mask), Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if f.installed {
		op = unix.EPOLL_CTL_MOD
	}
	err := unix.EpollCtl(p.epfd, op, fd, &ev)
	switch {
	case errors.Is(err, unix.ENOENT) && op == unix.EPOLL_CTL_MOD:
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case errors.Is(err, unix.EEXIST) && op == unix.EPOLL_CTL_ADD:
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (p *epoller) Poll(timeout time.Duration) ([]Event, error) {
	if p.closed {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], durationToMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if m, ok := p.in.filter(fd, epollToMask(p.eventBuf[i].Events)); ok {
			events = append(events, Event{Fd: fd, Mask: m})
		}
	}
	return events, nil
}

func (p *epoller) Registrations() map[int]Mask { return p.in.snapshot() }

func (p *epoller) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	return unix.Close(p.epfd)
}

func maskToEpoll(m Mask) uint32 {
	var v uint32
	if m&In != 0 {
		v |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if m&Out != 0 {
		v |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are always reported
	return v
}

func epollToMask(v uint32) Mask {
	var m Mask
	if v&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		m |= In
	}
	if v&unix.EPOLLOUT != 0 {
		m |= Out
	}
	if v&unix.EPOLLERR != 0 {
		m |= Err
	}
	if v&unix.EPOLLHUP != 0 {
		m |= In | Err
	}
	return m
}
