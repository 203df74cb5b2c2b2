package scheduler

import (
	"container/heap"
	"time"
)

// timer is an entry in the timed-pending set. An entry either wakes a Task
// paused until a point in time, or times out a Task waiting on a Signal.
type timer struct {
	when  time.Time
	task  *Task
	seq   uint64
	index int
}

// timerHeap is a min-heap ordered by (when, seq). seq is assigned on
// insertion, so entries with equal wake times are released in insertion
// order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if c := h[i].when.Compare(h[j].when); c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timers wraps timerHeap with the sequence counter.
type timers struct {
	heap timerHeap
	seq  uint64
}

func (x *timers) Len() int { return len(x.heap) }

func (x *timers) add(when time.Time, task *Task) *timer {
	x.seq++
	t := &timer{when: when, task: task, seq: x.seq}
	heap.Push(&x.heap, t)
	return t
}

func (x *timers) remove(t *timer) {
	if t.index >= 0 && t.index < len(x.heap) && x.heap[t.index] == t {
		heap.Remove(&x.heap, t.index)
	}
}

// next returns the soonest wake time, if any.
func (x *timers) next() (time.Time, bool) {
	if len(x.heap) == 0 {
		return time.Time{}, false
	}
	return x.heap[0].when, true
}

// popExpired removes and returns the soonest entry, if it is due at now.
func (x *timers) popExpired(now time.Time) *timer {
	if len(x.heap) == 0 || x.heap[0].when.After(now) {
		return nil
	}
	return heap.Pop(&x.heap).(*timer)
}
