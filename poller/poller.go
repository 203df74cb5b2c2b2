// Package poller provides a backend independent reactor over readiness based
// I/O multiplexing.
//
// # Backends
//
// Four interchangeable implementations of [Poller] are provided:
//   - epoll (Linux)
//   - kqueue (Darwin and the BSDs)
//   - poll(2) (all supported platforms)
//   - select(2) (all supported platforms, limited to FD_SETSIZE)
//
// [Best] probes them in that order, and returns the first available. All
// backends are level-triggered, use persistent registrations, and report
// readiness using the same [Mask] vocabulary, so callers must never need to
// know which one is active.
//
// # Registrations
//
// Each call to [Poller.Register] yields a [Token], identifying exactly that
// interest. The OS level registration for a descriptor is the union of the
// masks of its live tokens, so registering a mask that is already covered
// leaves [Poller.Registrations] unchanged, and unregistering one token never
// drops interest still held by another.
//
// # Errors
//
// Failures from the kernel are returned as [*os.SyscallError], wrapping the
// raw [unix.Errno], which is the same vocabulary used for ordinary I/O
// failures elsewhere in this module.
//
// Pollers are not safe for concurrent use.
package poller

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Mask is a bitwise combination of readiness flags.
type Mask uint32

const (
	// In indicates the descriptor is readable (or at end of stream).
	In Mask = 1 << iota
	// Out indicates the descriptor is writable.
	Out
	// Err indicates an error or hangup condition on the descriptor.
	Err

	maskAll = In | Out | Err
)

// String implements fmt.Stringer.
func (x Mask) String() string {
	if x == 0 {
		return "0"
	}
	var parts []string
	if x&In != 0 {
		parts = append(parts, "IN")
	}
	if x&Out != 0 {
		parts = append(parts, "OUT")
	}
	if x&Err != 0 {
		parts = append(parts, "ERR")
	}
	if rest := x &^ maskAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Event is a single readiness notification, as returned by [Poller.Poll].
type Event struct {
	Fd   int
	Mask Mask
}

// Token identifies one interest registration, see [Poller.Register].
// The zero value is never returned by a successful registration.
type Token struct {
	fd int
	id uint64
}

// Fd returns the descriptor the token was registered against.
func (x Token) Fd() int { return x.fd }

// IsZero reports whether x is the zero value.
func (x Token) IsZero() bool { return x.id == 0 }

// Poller is the capability contract implemented by every backend.
type Poller interface {
	// Register adds interest in mask for fd, returning a token that must be
	// passed to Unregister. An invalid descriptor fails with an
	// [*os.SyscallError] wrapping EBADF.
	Register(fd int, mask Mask) (Token, error)

	// Unregister removes exactly the interest represented by token. Unknown
	// or already removed tokens are ignored.
	Unregister(fd int, token Token) error

	// Poll blocks for up to timeout (negative blocks indefinitely, zero
	// returns immediately), returning every ready descriptor, each with the
	// OR of its triggered flags.
	Poll(timeout time.Duration) ([]Event, error)

	// Registrations returns a snapshot of the OS level registrations, as a
	// map of descriptor to the union of the masks of its tokens.
	Registrations() map[int]Mask

	// Kind identifies the backend.
	Kind() Kind

	// Close releases any kernel resources. Subsequent calls to any method,
	// other than Kind, return ErrClosed.
	Close() error
}

// Standard errors.
var (
	// ErrClosed is returned when operations are attempted on a closed Poller.
	ErrClosed = errors.New("poller: closed")

	// ErrUnsupported is returned when a backend is not available on this
	// platform.
	ErrUnsupported = errors.New("poller: backend not supported on this platform")
)

// Kind identifies a Poller backend.
type Kind int

const (
	KindEpoll Kind = iota + 1
	KindKqueue
	KindPoll
	KindSelect
)

// probeOrder is the order Best tries backends in, from most to least
// scalable.
var probeOrder = [...]Kind{KindEpoll, KindKqueue, KindPoll, KindSelect}

// String implements fmt.Stringer.
func (x Kind) String() string {
	switch x {
	case KindEpoll:
		return "epoll"
	case KindKqueue:
		return "kqueue"
	case KindPoll:
		return "poll"
	case KindSelect:
		return "select"
	default:
		return fmt.Sprintf("Kind(%d)", int(x))
	}
}

// ParseKind is the inverse of [Kind.String].
func ParseKind(s string) (Kind, error) {
	for _, k := range probeOrder {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("poller: unknown kind %q", s)
}

// Kinds returns every backend kind, in probe order.
func Kinds() []Kind { return probeOrder[:] }

// Available reports whether kind is supported on this platform.
func Available(kind Kind) bool {
	switch kind {
	case KindEpoll:
		return epollSupported
	case KindKqueue:
		return kqueueSupported
	case KindPoll, KindSelect:
		return true
	default:
		return false
	}
}

// New constructs a Poller of the given kind.
func New(kind Kind) (Poller, error) {
	switch kind {
	case KindEpoll:
		return newEpoll()
	case KindKqueue:
		return newKqueue()
	case KindPoll:
		return newPoll()
	case KindSelect:
		return newSelect()
	default:
		return nil, fmt.Errorf("poller: unknown kind %d", int(kind))
	}
}

// Best constructs the first available backend, in probe order.
func Best() (Poller, error) {
	var errs []error
	for _, kind := range probeOrder {
		p, err := New(kind)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUnsupported) {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	if len(errs) == 0 {
		return nil, ErrUnsupported
	}
	return nil, errors.Join(errs...)
}

// durationToMillis converts a poll timeout to the millisecond form used by
// epoll_wait and poll. Negative means block indefinitely. Partial
// milliseconds are rounded up, so a poll never returns before the timeout.
func durationToMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	return int(ms)
}

// checkFD validates a registration request, against any backend.
func checkFD(fd int, mask Mask) error {
	if fd < 0 {
		return os.NewSyscallError("register", unix.EBADF)
	}
	if mask&^maskAll != 0 {
		return os.NewSyscallError("register", unix.EINVAL)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return os.NewSyscallError("fcntl", err)
	}
	return nil
}

type (
	// interests is the token bookkeeping shared by every backend.
	interests struct {
		fds  map[int]*fdInterest
		next uint64
	}

	fdInterest struct {
		tokens map[uint64]Mask
		// mask is the union of tokens, and (once installed) reflects the OS
		// registration
		mask Mask
		// installed is true if the kernel (or backend fd set) knows about
		// this descriptor
		installed bool
	}
)

func newInterests() interests {
	return interests{fds: make(map[int]*fdInterest)}
}

// add records a new token, returning the entry and its mask prior to the
// change.
func (x *interests) add(fd int, mask Mask) (Token, *fdInterest, Mask) {
	f := x.fds[fd]
	if f == nil {
		f = &fdInterest{tokens: make(map[uint64]Mask, 1)}
		x.fds[fd] = f
	}
	x.next++
	tok := Token{fd: fd, id: x.next}
	prev := f.mask
	f.tokens[tok.id] = mask
	f.mask |= mask
	return tok, f, prev
}

// rollback reverses a failed add.
func (x *interests) rollback(tok Token, prev Mask) {
	f := x.fds[tok.fd]
	if f == nil {
		return
	}
	delete(f.tokens, tok.id)
	f.mask = prev
	if len(f.tokens) == 0 && !f.installed {
		delete(x.fds, tok.fd)
	}
}

// remove drops a token, recomputing the union. The entry is deleted from the
// table once it has no tokens, but is still returned, so the caller can
// uninstall it.
func (x *interests) remove(fd int, tok Token) (*fdInterest, Mask, bool) {
	if tok.fd != fd || tok.id == 0 {
		return nil, 0, false
	}
	f := x.fds[fd]
	if f == nil {
		return nil, 0, false
	}
	if _, ok := f.tokens[tok.id]; !ok {
		return nil, 0, false
	}
	prev := f.mask
	delete(f.tokens, tok.id)
	f.mask = 0
	for _, m := range f.tokens {
		f.mask |= m
	}
	if len(f.tokens) == 0 {
		delete(x.fds, fd)
	}
	return f, prev, true
}

func (x *interests) snapshot() map[int]Mask {
	m := make(map[int]Mask, len(x.fds))
	for fd, f := range x.fds {
		if f.installed {
			m[fd] = f.mask
		}
	}
	return m
}

// filter restricts reported flags to those registered (errors are always
// reported), dropping descriptors we have no interest in.
func (x *interests) filter(fd int, m Mask) (Mask, bool) {
	f := x.fds[fd]
	if f == nil {
		return 0, false
	}
	m &= f.mask | Err
	return m, m != 0
}
