package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopState(t *testing.T) {
	var s loopState
	assert.Equal(t, StateAwake, s.Load())
	assert.False(t, s.IsRunning())
	assert.False(t, s.IsClosing())

	assert.False(t, s.TryTransition(StateRunning, StateSleeping))
	assert.True(t, s.TryTransition(StateAwake, StateRunning))
	assert.True(t, s.IsRunning())
	assert.True(t, s.TryTransition(StateRunning, StateSleeping))
	assert.True(t, s.IsRunning())

	assert.True(t, s.TryTransition(StateSleeping, StateTerminating))
	assert.False(t, s.IsRunning())
	assert.True(t, s.IsClosing())
	s.Store(StateTerminated)
	assert.True(t, s.IsClosing())

	for state, name := range map[LoopState]string{
		StateAwake:       "Awake",
		StateRunning:     "Running",
		StateSleeping:    "Sleeping",
		StateTerminating: "Terminating",
		StateTerminated:  "Terminated",
		LoopState(99):    "Unknown",
	} {
		assert.Equal(t, name, state.String())
	}
}
