//go:build !(darwin || dragonfly || freebsd || netbsd || openbsd)

package poller

const kqueueSupported = false

func newKqueue() (Poller, error) { return nil, ErrUnsupported }
