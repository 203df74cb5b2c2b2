package greenio

import (
	"time"
)

// Deadline is an absolute point in time, computed once from a per-call
// timeout, that every retry of a blocking operation is measured against.
// The zero value has no deadline.
type Deadline struct {
	at      time.Time
	timeout time.Duration
}

// NewDeadline starts a deadline timeout from now. A negative timeout means
// no deadline.
func NewDeadline(timeout time.Duration) Deadline {
	if timeout < 0 {
		return Deadline{}
	}
	return Deadline{at: time.Now().Add(timeout), timeout: timeout}
}

// IsZero reports whether there is no deadline.
func (d Deadline) IsZero() bool { return d.at.IsZero() }

// Remaining returns the time left, or -1 if there is no deadline. A
// [*TimeoutError] (labelled with op) is returned once the deadline has
// passed.
func (d Deadline) Remaining(op string) (time.Duration, error) {
	if d.at.IsZero() {
		return -1, nil
	}
	remaining := time.Until(d.at)
	if remaining <= 0 {
		return 0, &TimeoutError{Op: op, After: d.timeout}
	}
	return remaining, nil
}
