package scheduler

// deque is a growable ring buffer, supporting push and pop at both ends,
// and removal of arbitrary elements (used to detach a rescheduled Task).
type deque[E comparable] struct {
	buf  []E
	head int
	n    int
}

func (x *deque[E]) Len() int { return x.n }

func (x *deque[E]) mask(i int) int { return i & (len(x.buf) - 1) }

func (x *deque[E]) grow() {
	if x.n < len(x.buf) {
		return
	}
	size := len(x.buf) * 2
	if size == 0 {
		size = 16
	}
	buf := make([]E, size)
	for i := 0; i < x.n; i++ {
		buf[i] = x.buf[x.mask(x.head+i)]
	}
	x.buf = buf
	x.head = 0
}

func (x *deque[E]) PushBack(v E) {
	x.grow()
	x.buf[x.mask(x.head+x.n)] = v
	x.n++
}

func (x *deque[E]) PushFront(v E) {
	x.grow()
	x.head = x.mask(x.head - 1 + len(x.buf))
	x.buf[x.head] = v
	x.n++
}

func (x *deque[E]) PopFront() (v E, ok bool) {
	if x.n == 0 {
		return v, false
	}
	var zero E
	v = x.buf[x.head]
	x.buf[x.head] = zero
	x.head = x.mask(x.head + 1)
	x.n--
	return v, true
}

// Get returns the i'th element from the front.
func (x *deque[E]) Get(i int) E {
	return x.buf[x.mask(x.head+i)]
}

// Remove deletes the first occurrence of v, preserving order, reporting
// whether it was found.
func (x *deque[E]) Remove(v E) bool {
	for i := 0; i < x.n; i++ {
		if x.buf[x.mask(x.head+i)] != v {
			continue
		}
		for j := i; j < x.n-1; j++ {
			x.buf[x.mask(x.head+j)] = x.buf[x.mask(x.head+j+1)]
		}
		var zero E
		x.buf[x.mask(x.head+x.n-1)] = zero
		x.n--
		return true
	}
	return false
}
