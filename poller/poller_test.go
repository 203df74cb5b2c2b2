package poller

import (
	"errors"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// forEachKind runs fn as a subtest against every backend available on this
// platform.
func forEachKind(t *testing.T, fn func(t *testing.T, p Poller)) {
	t.Helper()
	for _, kind := range Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			if !Available(kind) {
				t.Skipf("%s not supported on %s", kind, runtime.GOOS)
			}
			p, err := New(kind)
			require.NoError(t, err)
			require.Equal(t, kind, p.Kind())
			defer p.Close()
			fn(t, p)
		})
	}
}

func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestBest(t *testing.T) {
	p, err := Best()
	require.NoError(t, err)
	defer p.Close()
	switch runtime.GOOS {
	case "linux":
		assert.Equal(t, KindEpoll, p.Kind())
	case "darwin", "freebsd", "netbsd", "openbsd", "dragonfly":
		assert.Equal(t, KindKqueue, p.Kind())
	}
}

func TestUnsupported(t *testing.T) {
	for _, kind := range Kinds() {
		if Available(kind) {
			continue
		}
		_, err := New(kind)
		assert.ErrorIs(t, err, ErrUnsupported)
	}
	_, err := New(Kind(99))
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for _, kind := range Kinds() {
		v, err := ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, v)
	}
	v, err := ParseKind("EPOLL")
	require.NoError(t, err)
	assert.Equal(t, KindEpoll, v)
	_, err = ParseKind("iocp")
	assert.Error(t, err)
}

func TestMask_String(t *testing.T) {
	assert.Equal(t, "0", Mask(0).String())
	assert.Equal(t, "IN", In.String())
	assert.Equal(t, "IN|OUT|ERR", (In | Out | Err).String())
	assert.Equal(t, "OUT|0x10", (Out | 0x10).String())
}

func TestDurationToMillis(t *testing.T) {
	for _, tc := range [...]struct {
		d    time.Duration
		want int
	}{
		{-1, -1},
		{-time.Hour, -1},
		{0, 0},
		{time.Nanosecond, 1},
		{time.Millisecond, 1},
		{time.Millisecond + 1, 2},
		{1500 * time.Microsecond, 2},
		{time.Second, 1000},
	} {
		assert.Equal(t, tc.want, durationToMillis(tc.d), tc.d.String())
	}
}

func TestPoller_RegisterInvalidFD(t *testing.T) {
	forEachKind(t, func(t *testing.T, p Poller) {
		for _, fd := range []int{-1, 1 << 20 / 2} {
			_, err := p.Register(fd, In)
			require.Error(t, err)
			var sysErr *os.SyscallError
			assert.True(t, errors.As(err, &sysErr), "%T %v", err, err)
		}

		r, _ := testPipe(t)
		_, err := p.Register(r, 0x100)
		assert.ErrorIs(t, err, unix.EINVAL)

		// closed descriptors are rejected with the same vocabulary as I/O
		var fds [2]int
		require.NoError(t, unix.Pipe(fds[:]))
		require.NoError(t, unix.Close(fds[0]))
		require.NoError(t, unix.Close(fds[1]))
		_, err = p.Register(fds[0], In)
		assert.ErrorIs(t, err, unix.EBADF)
		assert.Empty(t, p.Registrations())
	})
}

func TestPoller_SkipsRegistering(t *testing.T) {
	forEachKind(t, func(t *testing.T, p Poller) {
		r, _ := testPipe(t)

		tok1, err := p.Register(r, In|Out)
		require.NoError(t, err)
		items := p.Registrations()
		require.Equal(t, map[int]Mask{r: In | Out}, items)

		tok2, err := p.Register(r, In)
		require.NoError(t, err)
		assert.Equal(t, items, p.Registrations())
		assert.NotEqual(t, tok1, tok2)
		assert.Equal(t, r, tok2.Fd())
		assert.False(t, tok2.IsZero())

		// dropping the subset registration leaves the superset alone
		require.NoError(t, p.Unregister(r, tok2))
		assert.Equal(t, items, p.Registrations())

		require.NoError(t, p.Unregister(r, tok1))
		assert.Empty(t, p.Registrations())
	})
}

func TestPoller_UnregisterRetainsOthers(t *testing.T) {
	forEachKind(t, func(t *testing.T, p Poller) {
		r, _ := testPipe(t)

		tokIn, err := p.Register(r, In)
		require.NoError(t, err)
		tokOut, err := p.Register(r, Out)
		require.NoError(t, err)
		assert.Equal(t, map[int]Mask{r: In | Out}, p.Registrations())

		require.NoError(t, p.Unregister(r, tokIn))
		assert.Equal(t, map[int]Mask{r: Out}, p.Registrations())

		// idempotent
		require.NoError(t, p.Unregister(r, tokIn))
		require.NoError(t, p.Unregister(r, Token{}))
		require.NoError(t, p.Unregister(r+1, tokOut))
		assert.Equal(t, map[int]Mask{r: Out}, p.Registrations())

		require.NoError(t, p.Unregister(r, tokOut))
		assert.Empty(t, p.Registrations())
	})
}

func TestPoller_Readiness(t *testing.T) {
	forEachKind(t, func(t *testing.T, p Poller) {
		r, w := testPipe(t)

		tokR, err := p.Register(r, In|Err)
		require.NoError(t, err)

		events, err := p.Poll(0)
		require.NoError(t, err)
		assert.Empty(t, events)

		_, err = unix.Write(w, []byte("howdy"))
		require.NoError(t, err)

		events, err = p.Poll(time.Second)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, r, events[0].Fd)
		assert.Equal(t, In, events[0].Mask&In)
		assert.Zero(t, events[0].Mask&Out)

		// level triggered: still readable
		events, err = p.Poll(0)
		require.NoError(t, err)
		require.Len(t, events, 1)

		tokW, err := p.Register(w, Out)
		require.NoError(t, err)
		events, err = p.Poll(time.Second)
		require.NoError(t, err)
		got := make(map[int]Mask)
		for _, ev := range events {
			got[ev.Fd] |= ev.Mask
		}
		assert.Equal(t, In, got[r]&In)
		assert.Equal(t, Out, got[w]&Out)

		require.NoError(t, p.Unregister(r, tokR))
		require.NoError(t, p.Unregister(w, tokW))
		events, err = p.Poll(0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestPoller_Hangup(t *testing.T) {
	forEachKind(t, func(t *testing.T, p Poller) {
		var fds [2]int
		require.NoError(t, unix.Pipe(fds[:]))
		defer unix.Close(fds[0])

		_, err := p.Register(fds[0], In)
		require.NoError(t, err)
		require.NoError(t, unix.Close(fds[1]))

		events, err := p.Poll(time.Second)
		require.NoError(t, err)
		assert.Equal(t, []Event{{Fd: fds[0], Mask: In | Err}}, events)
	})
}

func TestPoller_BrokenPipe(t *testing.T) {
	forEachKind(t, func(t *testing.T, p Poller) {
		var fds [2]int
		require.NoError(t, unix.Pipe(fds[:]))
		defer unix.Close(fds[1])

		_, err := p.Register(fds[1], Out)
		require.NoError(t, err)
		require.NoError(t, unix.Close(fds[0]))

		events, err := p.Poll(time.Second)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, fds[1], events[0].Fd)
		assert.Equal(t, Out|Err, events[0].Mask&(Out|Err))
	})
}

func TestPoller_Timeout(t *testing.T) {
	forEachKind(t, func(t *testing.T, p Poller) {
		r, _ := testPipe(t)
		_, err := p.Register(r, In)
		require.NoError(t, err)

		const timeout = 50 * time.Millisecond
		start := time.Now()
		events, err := p.Poll(timeout)
		elapsed := time.Since(start)
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, timeout+50*time.Millisecond)
	})
}

func TestPoller_Closed(t *testing.T) {
	forEachKind(t, func(t *testing.T, p Poller) {
		r, _ := testPipe(t)
		tok, err := p.Register(r, In)
		require.NoError(t, err)

		require.NoError(t, p.Close())
		assert.ErrorIs(t, p.Close(), ErrClosed)
		_, err = p.Register(r, In)
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, p.Unregister(r, tok), ErrClosed)
		_, err = p.Poll(0)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestSelect_FDSetSize(t *testing.T) {
	p, err := New(KindSelect)
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Register(selectMaxFD, In)
	assert.ErrorIs(t, err, unix.EINVAL)
	var sysErr *os.SyscallError
	assert.True(t, errors.As(err, &sysErr))
}

func TestSelect_ClosedDescriptor(t *testing.T) {
	p, err := New(KindSelect)
	require.NoError(t, err)
	defer p.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[1])
	_, err = p.Register(fds[0], In)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[0]))

	events, err := p.Poll(0)
	require.NoError(t, err)
	assert.Equal(t, []Event{{Fd: fds[0], Mask: Err}}, events)
}
