package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeque(t *testing.T) {
	var q deque[int]
	_, ok := q.PopFront()
	assert.False(t, ok)

	// enough to wrap and grow a few times
	for i := 0; i < 40; i++ {
		q.PushBack(i)
	}
	for i := 1; i <= 5; i++ {
		q.PushFront(-i)
	}
	require.Equal(t, 45, q.Len())
	assert.Equal(t, -5, q.Get(0))
	assert.Equal(t, 39, q.Get(44))

	assert.True(t, q.Remove(-1))
	assert.True(t, q.Remove(20))
	assert.False(t, q.Remove(20))
	assert.Equal(t, 43, q.Len())

	var got []int
	for {
		v, ok := q.PopFront()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []int{-5, -4, -3, -2}
	for i := 0; i < 40; i++ {
		if i != 20 {
			want = append(want, i)
		}
	}
	assert.Equal(t, want, got)
}

func TestTimers(t *testing.T) {
	var x timers
	base := time.Now()
	a := &Task{id: 1}
	b := &Task{id: 2}
	c := &Task{id: 3}
	d := &Task{id: 4}

	x.add(base.Add(2*time.Second), c)
	ta := x.add(base.Add(time.Second), a)
	x.add(base.Add(time.Second), b)
	td := x.add(base.Add(3*time.Second), d)

	when, ok := x.next()
	require.True(t, ok)
	assert.True(t, when.Equal(base.Add(time.Second)))

	x.remove(td)
	x.remove(td)
	assert.Equal(t, 3, x.Len())

	assert.Nil(t, x.popExpired(base))
	var order []uint64
	for tm := x.popExpired(base.Add(time.Hour)); tm != nil; tm = x.popExpired(base.Add(time.Hour)) {
		order = append(order, tm.task.id)
	}
	assert.Equal(t, []uint64{1, 2, 3}, order)
	assert.Equal(t, -1, ta.index)

	_, ok = x.next()
	assert.False(t, ok)
}
