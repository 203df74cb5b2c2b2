//go:build !linux

package poller

const epollSupported = false

func newEpoll() (Poller, error) { return nil, ErrUnsupported }
