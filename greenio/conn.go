package greenio

import (
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/joeycumines/go-greenloop/poller"
	"github.com/joeycumines/go-greenloop/scheduler"
	"golang.org/x/sys/unix"
)

// Conn is a connected stream socket.
type Conn struct {
	*File
}

// Listener is a listening stream socket.
type Listener struct {
	*File
}

func socket(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("fcntl", err)
	}
	return fd, nil
}

func sockaddr(addr netip.AddrPort) (int, unix.Sockaddr) {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
	if zone := ip.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// Dial connects a TCP socket to addr, blocking the calling Task for up to
// timeout (negative for none).
func Dial(s *scheduler.Scheduler, addr netip.AddrPort, timeout time.Duration) (*Conn, error) {
	domain, sa := sockaddr(addr)
	fd, err := socket(domain)
	if err != nil {
		return nil, err
	}
	c := &Conn{newFile(s, fd)}
	if err := c.connect(sa, timeout); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) connect(sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(c.fd, sa)
	switch err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EINTR:
	default:
		return os.NewSyscallError("connect", err)
	}
	if err := c.wait(poller.Out, NewDeadline(timeout), "connect"); err != nil {
		return err
	}
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		return os.NewSyscallError("connect", unix.Errno(v))
	}
	return nil
}

// LocalAddr returns the bound address, or the zero value for non-IP sockets.
func (c *Conn) LocalAddr() netip.AddrPort {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPort(sa)
}

// RemoteAddr returns the peer address, or the zero value for non-IP sockets.
func (c *Conn) RemoteAddr() netip.AddrPort {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPort(sa)
}

// CloseWrite shuts down the writing side of the connection.
func (c *Conn) CloseWrite() error {
	if c.closed {
		return ErrClosed
	}
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

// Listen opens a TCP listening socket bound to addr. Port 0 picks a free
// port, see [Listener.Addr].
func Listen(s *scheduler.Scheduler, addr netip.AddrPort, backlog int) (*Listener, error) {
	domain, sa := sockaddr(addr)
	fd, err := socket(domain)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	return &Listener{newFile(s, fd)}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() netip.AddrPort {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPort(sa)
}

// Accept blocks the calling Task until a connection arrives, subject to the
// Listener's timeout.
func (l *Listener) Accept() (*Conn, error) {
	if l.closed {
		return nil, ErrClosed
	}
	dl := NewDeadline(l.timeout)
	for {
		fd, _, err := unix.Accept(l.fd)
		switch err {
		case nil:
			unix.CloseOnExec(fd)
			if err := unix.SetNonblock(fd, true); err != nil {
				_ = unix.Close(fd)
				return nil, os.NewSyscallError("fcntl", err)
			}
			return &Conn{newFile(l.s, fd)}, nil
		case unix.EINTR, unix.ECONNABORTED:
		case unix.EAGAIN:
			if err := l.wait(poller.In, dl, "accept"); err != nil {
				return nil, err
			}
		default:
			return nil, os.NewSyscallError("accept", err)
		}
	}
}

// Socketpair returns a pair of connected unix domain stream sockets.
func Socketpair(s *scheduler.Scheduler) (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, nil, os.NewSyscallError("fcntl", err)
		}
	}
	return &Conn{newFile(s, fds[0])}, &Conn{newFile(s, fds[1])}, nil
}

// Pipe returns a connected pair of Files, reading from r returns bytes
// written to w.
func Pipe(s *scheduler.Scheduler) (r, w *File, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, nil, os.NewSyscallError("fcntl", err)
		}
	}
	return newFile(s, fds[0]), newFile(s, fds[1]), nil
}
