package greenio

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/joeycumines/go-greenloop/scheduler"
)

var (
	// ErrClosed is returned by operations on a closed File, including any
	// that were waiting when it was closed. It matches [net.ErrClosed].
	ErrClosed = fmt.Errorf("greenio: %w", net.ErrClosed)

	// ErrTimeout is matched (via [errors.Is]) by every [*TimeoutError].
	ErrTimeout = errors.New("greenio: i/o timeout")

	// ErrWantRead is returned by a [File.Retry] operation to request a wait
	// for readability.
	ErrWantRead = errors.New("greenio: operation wants read")

	// ErrWantWrite is returned by a [File.Retry] operation to request a wait
	// for writability.
	ErrWantWrite = errors.New("greenio: operation wants write")

	// ErrNotInTask is returned when an operation would need to block, but
	// was not called from within a scheduler Task.
	ErrNotInTask = scheduler.ErrNotInTask
)

// TimeoutError indicates a deadline elapsed while waiting for readiness.
type TimeoutError struct {
	Op string
	// After is the timeout that elapsed.
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("greenio: %s timed out after %s", e.Op, e.After)
}

// Is matches [ErrTimeout] and [os.ErrDeadlineExceeded].
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == os.ErrDeadlineExceeded
}

// Timeout implements the informal interface used by [net.Error].
func (e *TimeoutError) Timeout() bool { return true }

// Temporary implements the informal interface used by [net.Error].
func (e *TimeoutError) Temporary() bool { return true }
